// Package catalog is the static registry of supported procurement sources.
//
// A source is addressed as (conjunto, subconjunto): conjunto names the portal
// (nacional, catalunya, ...) and subconjunto the dataset within it. The
// catalog also carries the default ingestion frequency per task and the
// extraction commands that produce the CSV extract for each dataset.
package catalog

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/licitia/licitia-etl/internal/schedule"
)

var (
	ErrUnknownConjunto    = errors.New("unknown conjunto")
	ErrUnknownSubconjunto = errors.New("unknown subconjunto")
)

// Conjunto describes one source portal.
type Conjunto struct {
	Name         string
	Subconjuntos []string
	// RequiresYears marks portals whose extraction scripts take a year range.
	RequiresYears bool
	// NaturalIDColumn is the extract column holding the source-native unique
	// identifier (URL or expediente id) used to deduplicate rows.
	NaturalIDColumn string
	// ExtractCommands lists the black-box extraction steps, run in order from
	// the repository root. {sub} expands to the subconjunto, {years} to the
	// requested year range.
	ExtractCommands [][]string
}

// Task addresses one schedulable dataset.
type Task struct {
	Conjunto     string
	Subconjunto  string
	ScheduleExpr schedule.Frequency
}

const defaultNaturalIDColumn = "id"

var conjuntos = map[string]Conjunto{
	"nacional": {
		Name: "nacional",
		Subconjuntos: []string{
			"licitaciones",
			"agregacion_ccaa",
			"contratos_menores",
			"encargos_medios_propios",
			"consultas_preliminares",
		},
		RequiresYears:   true,
		NaturalIDColumn: defaultNaturalIDColumn,
		ExtractCommands: [][]string{
			{"scripts/nacional_licitaciones.py", "--conjunto", "{sub}", "--anos", "{years}"},
		},
	},
	"catalunya": {
		Name: "catalunya",
		Subconjuntos: []string{
			"contratacion_registro",
			"subvenciones_raisc",
			"convenios",
			"presupuestos_aprobados",
			"rrhh_altos_cargos",
		},
		NaturalIDColumn: defaultNaturalIDColumn,
		ExtractCommands: [][]string{
			{"scripts/ccaa_cataluna.py", "--subconjunto", "{sub}"},
			{"scripts/ccaa_cataluna_extract.py", "--subconjunto", "{sub}"},
		},
	},
	"valencia": {
		Name: "valencia",
		Subconjuntos: []string{
			"contratacion", "subvenciones", "presupuestos", "convenios",
			"empleo", "paro", "lobbies", "siniestralidad", "patrimonio",
			"entidades", "territorio", "turismo", "sanidad", "transporte",
		},
		NaturalIDColumn: defaultNaturalIDColumn,
		ExtractCommands: [][]string{
			{"scripts/ccaa_valencia.py", "--categories", "{sub}"},
			{"scripts/ccaa_valencia_extract.py", "--categories", "{sub}"},
		},
	},
	"andalucia": {
		Name:            "andalucia",
		Subconjuntos:    []string{"licitaciones", "menores"},
		NaturalIDColumn: "id_expediente",
		ExtractCommands: [][]string{
			{"scripts/ccaa_andalucia.py", "{sub}"},
			{"scripts/ccaa_andalucia_extract.py", "{sub}"},
		},
	},
	"euskadi": {
		Name: "euskadi",
		Subconjuntos: []string{
			"contratos_master",
			"poderes_adjudicadores",
			"empresas_licitadoras",
			"revascon_historico",
			"bilbao_contratos",
			"ultimos_90d",
		},
		NaturalIDColumn: defaultNaturalIDColumn,
		ExtractCommands: [][]string{
			{"scripts/ccaa_euskadi.py"},
			{"scripts/consolidacion_euskadi.py"},
		},
	},
	"madrid": {
		Name:            "madrid",
		Subconjuntos:    []string{"comunidad", "ayuntamiento"},
		NaturalIDColumn: defaultNaturalIDColumn,
		ExtractCommands: [][]string{
			{"scripts/madrid_{sub}.py"},
		},
	},
	"ted": {
		Name:            "ted",
		Subconjuntos:    []string{"ted_es_can"},
		RequiresYears:   true,
		NaturalIDColumn: defaultNaturalIDColumn,
		ExtractCommands: [][]string{
			{"scripts/ted_module.py", "download", "--years", "{years}"},
		},
	},
}

// Lookup resolves a (conjunto, subconjunto) pair, failing before any database
// write when the pair is not a supported source.
func Lookup(conjunto, subconjunto string) (Conjunto, error) {
	c, ok := conjuntos[conjunto]
	if !ok {
		return Conjunto{}, errors.Wrap(ErrUnknownConjunto, conjunto)
	}
	for _, s := range c.Subconjuntos {
		if s == subconjunto {
			return c, nil
		}
	}
	return Conjunto{}, errors.Wrapf(ErrUnknownSubconjunto, "%s/%s", conjunto, subconjunto)
}

// DefaultFrequency returns the ingestion frequency a task is registered with
// when none is given explicitly.
func DefaultFrequency(conjunto, subconjunto string) schedule.Frequency {
	switch conjunto {
	case "nacional", "valencia":
		return schedule.Monthly
	case "madrid":
		if subconjunto == "ayuntamiento" {
			return schedule.Annual
		}
		return schedule.Quarterly
	default:
		return schedule.Quarterly
	}
}

// DefaultTasks enumerates every schedulable dataset with its default
// frequency, ordered by conjunto then subconjunto. When filter is non-empty,
// only the named conjuntos are included.
func DefaultTasks(filter ...string) ([]Task, error) {
	names := Conjuntos()
	if len(filter) > 0 {
		names = names[:0]
		for _, f := range filter {
			if _, ok := conjuntos[f]; !ok {
				return nil, errors.Wrap(ErrUnknownConjunto, f)
			}
			names = append(names, f)
		}
	}
	var tasks []Task
	for _, name := range names {
		c := conjuntos[name]
		for _, sub := range c.Subconjuntos {
			tasks = append(tasks, Task{
				Conjunto:     name,
				Subconjunto:  sub,
				ScheduleExpr: DefaultFrequency(name, sub),
			})
		}
	}
	return tasks, nil
}

// Conjuntos returns the supported conjunto names in stable order.
func Conjuntos() []string {
	return []string{"andalucia", "catalunya", "euskadi", "madrid", "nacional", "ted", "valencia"}
}

// TableName is the destination L0 table for a dataset.
func TableName(conjunto, subconjunto string) string {
	return fmt.Sprintf("%s_%s", conjunto, subconjunto)
}

// ExtractPath is where the extraction scripts leave the CSV extract for a
// dataset, relative to the configured tmp directory.
func ExtractPath(tmpDir, conjunto, subconjunto string) string {
	return filepath.Join(tmpDir, "extracts", conjunto, subconjunto+".csv")
}
