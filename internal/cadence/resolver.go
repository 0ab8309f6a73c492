// Package cadence maps wall-clock time onto the source's publication grid.
package cadence

import (
	"time"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

// Resolver computes which publication slots are expected to exist at a given
// instant. Pure calculation; callers supply the clock.
type Resolver struct {
	interval time.Duration
	margin   time.Duration
}

// New returns a resolver for a publication interval and a delay margin. The
// margin covers the lag between a slot's nominal time and the moment its
// tiles are actually served upstream.
func New(interval, margin time.Duration) *Resolver {
	return &Resolver{interval: interval, margin: margin}
}

// Interval returns the publication cadence.
func (r *Resolver) Interval() time.Duration {
	return r.interval
}

// LatestExpected returns the most recent slot at or before now minus the
// publication margin.
func (r *Resolver) LatestExpected(now time.Time) domain.Timestamp {
	aligned := now.UTC().Add(-r.margin).Truncate(r.interval)
	return domain.TimestampFromTime(aligned)
}

// ExpectedBetween returns every slot in [from, to] inclusive, ascending.
// Unaligned bounds are tightened inward: from rounds up to the grid, to
// rounds down. A from after to yields nil.
func (r *Resolver) ExpectedBetween(from, to time.Time) []domain.Timestamp {
	start := from.UTC().Truncate(r.interval)
	if start.Before(from.UTC()) {
		start = start.Add(r.interval)
	}
	end := to.UTC().Truncate(r.interval)

	var slots []domain.Timestamp
	for t := start; !t.After(end); t = t.Add(r.interval) {
		slots = append(slots, domain.TimestampFromTime(t))
	}
	return slots
}
