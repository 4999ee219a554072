package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func madrid(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, Location())
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Frequency
	}{
		{"Mensual", Monthly},
		{"mensual", Monthly},
		{" TRIMESTRAL ", Quarterly},
		{"Anual", Annual},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got)
	}

	_, err := Parse("weekly")
	assert.Error(t, err)
	_, err = Parse("")
	assert.Error(t, err)
}

func TestNeverRunTaskIsImmediatelyDue(t *testing.T) {
	now := time.Date(2026, time.February, 17, 10, 0, 0, 0, time.UTC)
	for _, freq := range []Frequency{Monthly, Quarterly, Annual} {
		next := NextRunAt(freq, nil, now)
		assert.True(t, next.Equal(now), "freq %s: next should equal now", freq)
		assert.True(t, IsDue(freq, nil, now), "freq %s should be due", freq)
	}
}

func TestMonthlyAfterSuccess(t *testing.T) {
	// Succeeded at the January anchor; mid-January it is not due again.
	lastOK := madrid(2026, time.January, 1, 2)
	now := madrid(2026, time.January, 15, 0)

	assert.False(t, IsDue(Monthly, &lastOK, now))
	next := NextRunAt(Monthly, &lastOK, now)
	assert.True(t, next.Equal(madrid(2026, time.February, 1, 2)), "got %v", next)
}

func TestMonthlyNextAnchorAfterFebruarySuccess(t *testing.T) {
	lastOK := time.Date(2026, time.February, 17, 10, 5, 0, 0, time.UTC)
	now := time.Date(2026, time.February, 17, 10, 5, 0, 0, time.UTC)

	next := NextRunAt(Monthly, &lastOK, now)
	assert.True(t, next.Equal(madrid(2026, time.March, 1, 2)), "got %v", next)
	assert.False(t, IsDue(Monthly, &lastOK, now))
}

func TestMonthlyStaysDueUntilSuccess(t *testing.T) {
	// Last success months ago: the computed anchor is in the past, so the
	// task remains due no matter how many ticks (or failed runs) pass.
	lastOK := madrid(2025, time.November, 1, 2)
	now := madrid(2026, time.March, 20, 12)

	assert.True(t, IsDue(Monthly, &lastOK, now))
	next := NextRunAt(Monthly, &lastOK, now)
	assert.True(t, next.Equal(madrid(2025, time.December, 1, 2)), "got %v", next)
}

func TestMonthlyDecemberRollsOver(t *testing.T) {
	lastOK := madrid(2025, time.December, 10, 4)
	now := madrid(2025, time.December, 20, 0)

	next := NextRunAt(Monthly, &lastOK, now)
	assert.True(t, next.Equal(madrid(2026, time.January, 1, 2)), "got %v", next)
}

func TestQuarterlyAnchors(t *testing.T) {
	lastOK := madrid(2026, time.January, 1, 3)
	now := madrid(2026, time.February, 10, 0)

	next := NextRunAt(Quarterly, &lastOK, now)
	assert.True(t, next.Equal(madrid(2026, time.April, 1, 2)), "got %v", next)
	assert.False(t, IsDue(Quarterly, &lastOK, now))

	// Past the April anchor: due.
	now = madrid(2026, time.April, 2, 0)
	assert.True(t, IsDue(Quarterly, &lastOK, now))
}

func TestQuarterlyMissedAnchorStaysDue(t *testing.T) {
	// Succeeded at the January anchor and then never ran: the April anchor
	// stays in the past however far the clock advances, so the task is due
	// at every later instant instead of waiting for a future quarter.
	lastOK := madrid(2026, time.January, 1, 3)
	april := madrid(2026, time.April, 1, 2)

	for _, now := range []time.Time{
		madrid(2026, time.April, 2, 0),
		madrid(2026, time.May, 15, 12),
		madrid(2026, time.November, 20, 9),
	} {
		next := NextRunAt(Quarterly, &lastOK, now)
		assert.True(t, next.Equal(april), "now %v: got %v", now, next)
		assert.True(t, IsDue(Quarterly, &lastOK, now), "now %v", now)
	}
}

func TestQuarterlyExhaustedYearRollsOver(t *testing.T) {
	lastOK := madrid(2025, time.October, 1, 2)
	now := madrid(2025, time.November, 15, 0)

	next := NextRunAt(Quarterly, &lastOK, now)
	assert.True(t, next.Equal(madrid(2026, time.January, 1, 2)), "got %v", next)
}

func TestAnnual(t *testing.T) {
	lastOK := madrid(2026, time.January, 1, 2)
	now := madrid(2026, time.June, 1, 0)

	next := NextRunAt(Annual, &lastOK, now)
	assert.True(t, next.Equal(madrid(2027, time.January, 1, 2)), "got %v", next)
	assert.False(t, IsDue(Annual, &lastOK, now))
}

func TestUnknownStoredLabelFallsBackToQuarterly(t *testing.T) {
	lastOK := madrid(2026, time.January, 1, 3)
	now := madrid(2026, time.February, 10, 0)

	next := NextRunAt(Frequency("Semanal"), &lastOK, now)
	assert.True(t, next.Equal(NextRunAt(Quarterly, &lastOK, now)))
}

func TestDueAndNextRunAtAreMutuallyConsistent(t *testing.T) {
	lasts := []*time.Time{nil}
	for _, ts := range []time.Time{
		madrid(2025, time.January, 1, 2),
		madrid(2025, time.June, 30, 23),
		madrid(2026, time.February, 1, 2),
	} {
		ts := ts
		lasts = append(lasts, &ts)
	}
	nows := []time.Time{
		madrid(2026, time.January, 1, 1),
		madrid(2026, time.January, 1, 2),
		madrid(2026, time.February, 17, 11),
		madrid(2026, time.December, 31, 23),
	}
	for _, freq := range []Frequency{Monthly, Quarterly, Annual} {
		for _, lastOK := range lasts {
			for _, now := range nows {
				next := NextRunAt(freq, lastOK, now)
				if IsDue(freq, lastOK, now) {
					assert.False(t, next.After(now), "%s due but next %v > now %v", freq, next, now)
				} else {
					assert.True(t, next.After(now), "%s not due but next %v <= now %v", freq, next, now)
				}
			}
		}
	}
}

func TestAnchorIsMadridLocalTime(t *testing.T) {
	// Winter anchor: 02:00 CET == 01:00 UTC. Summer anchor: 02:00 CEST == 00:00 UTC.
	lastOK := madrid(2026, time.January, 1, 2)
	next := NextRunAt(Monthly, &lastOK, madrid(2026, time.January, 15, 0))
	assert.Equal(t, 1, next.UTC().Hour())

	lastOK = madrid(2026, time.June, 1, 2)
	next = NextRunAt(Monthly, &lastOK, madrid(2026, time.June, 15, 0))
	assert.Equal(t, 0, next.UTC().Hour())
}
