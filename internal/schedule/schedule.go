// Package schedule computes when a registered ingestion task is next due.
//
// Frequencies keep the Spanish labels stored in scheduler.tasks.schedule_expr
// (Mensual, Trimestral, Anual). All anchors resolve to 02:00 in the
// Europe/Madrid civil timezone.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the schedule_expr label of a task.
type Frequency string

const (
	Monthly   Frequency = "Mensual"
	Quarterly Frequency = "Trimestral"
	Annual    Frequency = "Anual"
)

// AnchorHour is the local hour of day at which every anchor fires.
const AnchorHour = 2

// location is resolved once; Europe/Madrid is present in the tzdata shipped
// with Go, so the fallback only matters on stripped-down systems.
var location = mustLoadLocation()

func mustLoadLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		return time.FixedZone("CET", 1*60*60)
	}
	return loc
}

// Location returns the civil timezone used for all schedule anchors.
func Location() *time.Location {
	return location
}

// Parse validates a schedule_expr label. Unknown labels are a configuration
// error and must be rejected before any task is written.
func Parse(expr string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "mensual":
		return Monthly, nil
	case "trimestral":
		return Quarterly, nil
	case "anual":
		return Annual, nil
	default:
		return "", fmt.Errorf("unknown schedule expression %q (expected Mensual, Trimestral or Anual)", expr)
	}
}

// NextRunAt computes the next execution instant for a task.
//
// lastOK is the finish time of the most recent successful run, or nil if the
// task never completed successfully; a never-run task is due immediately, so
// the reference instant itself is returned. Anchors are derived from the
// year/month of lastOK, not from now: a task that missed its anchor (failed
// runs included) keeps a next-run time in the past and therefore stays due
// until it succeeds.
//
// The same now value must be used for NextRunAt and IsDue; reading the clock
// twice can flip the due decision between the two calls.
func NextRunAt(freq Frequency, lastOK *time.Time, now time.Time) time.Time {
	if lastOK == nil {
		return now
	}
	ref := lastOK.In(location)
	year, month := ref.Year(), ref.Month()

	switch normalize(freq) {
	case Monthly:
		cand := anchor(year, month, 1)
		if cand.After(now) {
			return cand
		}
		if month == time.December {
			return anchor(year+1, time.January, 1)
		}
		return anchor(year, month+1, 1)
	case Annual:
		cand := anchor(year, time.January, 1)
		if cand.After(now) {
			return cand
		}
		return anchor(year+1, time.January, 1)
	default: // Trimestral
		// The first quarter anchor strictly after the last success, never
		// after now: an anchor already passed must stay in the past so the
		// task remains due until it succeeds.
		for _, m := range []time.Month{time.January, time.April, time.July, time.October} {
			cand := anchor(year, m, 1)
			if cand.After(ref) {
				return cand
			}
		}
		return anchor(year+1, time.January, 1)
	}
}

// IsDue reports whether the task should execute at now. It is consistent with
// NextRunAt by construction: due iff NextRunAt(freq, lastOK, now) <= now.
func IsDue(freq Frequency, lastOK *time.Time, now time.Time) bool {
	return !NextRunAt(freq, lastOK, now).After(now)
}

// normalize maps a stored label onto a known frequency. Rows written before
// label validation existed may carry anything; those default to Trimestral.
func normalize(freq Frequency) Frequency {
	f, err := Parse(string(freq))
	if err != nil {
		return Quarterly
	}
	return f
}

// anchor builds the unambiguous instant "day 1 of month, 02:00 Europe/Madrid".
// DST transitions in Spain happen at the end of March and October, never on
// the 1st at 02:00, so time.Date resolves to a single instant here.
func anchor(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, AnchorHour, 0, 0, 0, location)
}
