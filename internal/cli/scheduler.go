package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/licitia/licitia-etl/internal/catalog"
	"github.com/licitia/licitia-etl/internal/daemon"
	"github.com/licitia/licitia-etl/internal/ingest"
	"github.com/licitia/licitia-etl/internal/repository"
	"github.com/licitia/licitia-etl/internal/schedule"
	"github.com/licitia/licitia-etl/internal/status"
)

var (
	registerConjuntos []string
	registerFreq      string

	runTick       time.Duration
	runForeground bool
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Manage the ingestion scheduler",
}

var schedulerRegisterCmd = &cobra.Command{
	Use:   "register [conjunto subconjunto]",
	Short: "Register ingestion tasks",
	Long: `With no arguments, registers every catalog dataset with its default
frequency (optionally filtered by --conjunto). With a conjunto and
subconjunto, registers that one task, using --frecuencia or the catalog
default. Registering an existing task updates its schedule and re-enables
it; run history is kept.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		tasks := repository.NewTaskRepository(db)

		if len(args) == 2 {
			conjunto, subconjunto := args[0], args[1]
			freq := catalog.DefaultFrequency(conjunto, subconjunto)
			if registerFreq != "" {
				var err error
				freq, err = schedule.Parse(registerFreq)
				if err != nil {
					return err
				}
			}
			task, created, err := tasks.Register(conjunto, subconjunto, freq)
			if err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "registered"
			}
			fmt.Printf("%s task %s %s (%s)\n", verb, task.Conjunto, task.Subconjunto, task.ScheduleExpr)
			return nil
		}
		if len(args) == 1 {
			return errors.New("register takes either no arguments or a conjunto and a subconjunto")
		}

		created, updated, err := tasks.RegisterDefaults(registerConjuntos...)
		if err != nil {
			return err
		}
		fmt.Printf("registered %d new tasks, updated %d\n", created, updated)
		return nil
	},
}

var schedulerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler daemon",
	Long: `Starts the scheduler loop. By default the daemon is detached into the
background with its output appended to the scheduler log file; use
--foreground to run it in the current terminal. A PID file guards
against starting two daemons on the same host.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		if !cmd.Flags().Changed("tick") && cfg.Scheduler.Tick > 0 {
			runTick = cfg.Scheduler.Tick
		}
		pidFile := daemon.NewPIDFile(cfg.Scheduler.PIDFile)

		if !runForeground {
			childArgs := []string{"scheduler", "run", "--foreground", "--tick", runTick.String()}
			if verbose {
				childArgs = append(childArgs, "--verbose")
			}
			pid, err := pidFile.StartBackground(cfg.Scheduler.LogFile, childArgs)
			if errors.Is(err, daemon.ErrAlreadyStarted) {
				return errors.New("scheduler is already running")
			}
			if err != nil {
				return err
			}
			fmt.Printf("scheduler started (pid %d), logging to %s\n", pid, cfg.Scheduler.LogFile)
			return nil
		}

		if err := pidFile.Acquire(); err != nil {
			return err
		}
		defer pidFile.Release()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := daemon.New(
			repository.NewTaskRepository(db),
			repository.NewRunRepository(db),
			ingest.NewL0Ingester(db, cfg.DBSchema, cfg.TmpDir, cfg.ScriptsDir, cfg.BatchSize, logger),
			daemon.Config{Tick: runTick, MaxRunDuration: cfg.Scheduler.MaxRunDuration},
			logger,
		)
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var schedulerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the scheduler daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pidFile := daemon.NewPIDFile(cfg.Scheduler.PIDFile)
		err := pidFile.Stop(10 * time.Second)
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("scheduler is not running, nothing to stop")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("scheduler stopped")
		return nil
	},
}

var schedulerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-task scheduler status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		pidFile := daemon.NewPIDFile(cfg.Scheduler.PIDFile)
		if pidFile.IsHeld() {
			fmt.Println("daemon: running")
		} else {
			fmt.Println("daemon: stopped")
		}

		tasks, err := repository.NewTaskRepository(db).ListWithLastRun()
		if err != nil {
			return err
		}
		report := status.Report(tasks, time.Now())

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSCHEDULE\tSTATE\tLAST RUN\tROWS\tNEXT RUN")
		for _, t := range report {
			fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\t%s\t%s\n",
				t.Conjunto, t.Subconjunto,
				t.ScheduleExpr,
				formatState(t),
				formatTime(t.LastStartedAt),
				formatRows(t),
				formatNext(t),
			)
		}
		return w.Flush()
	},
}

var schedulerDisableCmd = &cobra.Command{
	Use:   "disable <conjunto> <subconjunto>",
	Short: "Disable a task without deleting its history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		tasks := repository.NewTaskRepository(db)
		task, err := tasks.GetByName(args[0], args[1])
		if err != nil {
			return err
		}
		if err := tasks.Disable(task.TaskID); err != nil {
			return err
		}
		fmt.Printf("disabled task %s %s\n", task.Conjunto, task.Subconjunto)
		return nil
	},
}

func formatState(t status.TaskStatus) string {
	s := string(t.State)
	if !t.Enabled {
		s += " (disabled)"
	}
	return s
}

func formatTime(ts *time.Time) string {
	if ts == nil {
		return "never"
	}
	return ts.In(schedule.Location()).Format("2006-01-02 15:04")
}

func formatRows(t status.TaskStatus) string {
	if t.LastRowsInserted == nil {
		return "-"
	}
	omitted := int64(0)
	if t.LastRowsOmitted != nil {
		omitted = *t.LastRowsOmitted
	}
	return fmt.Sprintf("+%d/~%d", *t.LastRowsInserted, omitted)
}

func formatNext(t status.TaskStatus) string {
	if t.NextRunAt == nil {
		return "-"
	}
	if t.Due {
		return "due now"
	}
	return t.NextRunAt.In(schedule.Location()).Format("2006-01-02 15:04")
}

func init() {
	schedulerRegisterCmd.Flags().StringSliceVar(&registerConjuntos, "conjunto", nil, "restrict default registration to these conjuntos")
	schedulerRegisterCmd.Flags().StringVar(&registerFreq, "frecuencia", "", "schedule frequency (Mensual, Trimestral, Anual)")
	schedulerRunCmd.Flags().DurationVar(&runTick, "tick", daemon.DefaultTick, "poll interval between due-checks")
	schedulerRunCmd.Flags().BoolVar(&runForeground, "foreground", false, "run in the foreground instead of detaching")

	schedulerCmd.AddCommand(schedulerRegisterCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
	schedulerCmd.AddCommand(schedulerStopCmd)
	schedulerCmd.AddCommand(schedulerStatusCmd)
	schedulerCmd.AddCommand(schedulerDisableCmd)
	rootCmd.AddCommand(schedulerCmd)
}
