package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type SchedulerConfig struct {
	// Tick is the daemon poll interval.
	Tick time.Duration `mapstructure:"tick"`
	// MaxRunDuration bounds how long a run may stay in running state before
	// the reconciliation pass declares it orphaned.
	MaxRunDuration time.Duration `mapstructure:"max_run_duration"`
	PIDFile        string        `mapstructure:"pid_file"`
	LogFile        string        `mapstructure:"log_file"`
}

type Config struct {
	DatabaseURL string          `mapstructure:"database_url"`
	DBSchema    string          `mapstructure:"db_schema"`
	ServerPort  string          `mapstructure:"server_port"`
	TmpDir      string          `mapstructure:"tmp_dir"`
	ScriptsDir  string          `mapstructure:"scripts_dir"`
	BatchSize   int             `mapstructure:"batch_size"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
}

// Load reads configuration from an optional config.yaml plus LICITIA_*
// environment variables. Environment always wins; a missing config file is
// fine since deployments are env-driven.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("LICITIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	tmpDir := os.Getenv("LICITACIONES_TMP_DIR")
	if tmpDir == "" {
		tmpDir = filepath.Join(os.TempDir(), "licitia-etl")
	}

	v.SetDefault("database_url", "")
	v.SetDefault("db_schema", "raw")
	v.SetDefault("server_port", "8080")
	v.SetDefault("tmp_dir", tmpDir)
	v.SetDefault("scripts_dir", "scripts")
	v.SetDefault("batch_size", 500)
	v.SetDefault("scheduler.tick", 60*time.Second)
	v.SetDefault("scheduler.max_run_duration", 6*time.Hour)
	v.SetDefault("scheduler.pid_file", "")
	v.SetDefault("scheduler.log_file", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = databaseURLFromParts()
	}
	if cfg.Scheduler.PIDFile == "" {
		cfg.Scheduler.PIDFile = filepath.Join(cfg.TmpDir, "licitia-etl-scheduler.pid")
	}
	if cfg.Scheduler.LogFile == "" {
		cfg.Scheduler.LogFile = filepath.Join(cfg.TmpDir, "scheduler.log")
	}
	return &cfg, nil
}

// databaseURLFromParts assembles a connection URL from discrete DB_*
// variables, the shape container deployments inject. Empty when DB_HOST is
// not set.
func databaseURLFromParts() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	name := os.Getenv("DB_NAME")
	user := os.Getenv("DB_USER")
	pass := os.Getenv("DB_PASSWORD")

	auth := user
	if pass != "" {
		auth = user + ":" + pass
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", auth, host, port, name)
}
