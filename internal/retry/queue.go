// Package retry holds the in-memory schedule of failed timestamps awaiting
// another attempt. The durable truth lives in the store; the queue only
// decides WHEN a failed timestamp becomes eligible again, so it can be
// rebuilt from store rows after a restart without losing backoff progress.
package retry

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

const (
	// DefaultBase is the backoff unit for the first retry delay.
	DefaultBase = time.Minute

	// DefaultCapExponent bounds the exponential growth; with the default
	// base the longest delay is 32 minutes.
	DefaultCapExponent = 5

	// DefaultMaxAttempts is the give-up threshold: a timestamp that failed
	// this many times is retired until re-run manually.
	DefaultMaxAttempts = 10
)

// Config holds retry policy knobs.
type Config struct {
	Base        time.Duration
	CapExponent int
	MaxAttempts int
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		Base:        DefaultBase,
		CapExponent: DefaultCapExponent,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Backoff returns the delay before the next attempt after `attempts`
// completed runs: base doubled per attempt, capped at base<<capExponent.
func Backoff(base time.Duration, capExponent, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultBase
	}
	exp := attempts
	if exp < 0 {
		exp = 0
	}
	if capExponent >= 0 && exp > capExponent {
		exp = capExponent
	}
	// Guard the shift itself for absurd configured exponents.
	if exp > 30 {
		exp = 30
	}
	return base * time.Duration(int64(1)<<exp)
}

// Entry is one queued timestamp.
type Entry struct {
	Timestamp  domain.Timestamp
	Attempts   int
	EligibleAt time.Time
}

type item struct {
	ts         domain.Timestamp
	attempts   int
	eligibleAt time.Time
	heapIndex  int
}

// RebuildResult reports what a queue rebuild seeded.
type RebuildResult struct {
	Queued  int
	GivenUp int
}

// Queue is a deadline-ordered set of failed timestamps. At most one entry
// exists per timestamp; pushing again reschedules it. Safe for concurrent
// use.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	items   itemHeap
	index   map[domain.Timestamp]*item
	givenUp map[domain.Timestamp]struct{}
}

// New creates an empty queue with the given policy. Zero config fields fall
// back to the defaults.
func New(cfg Config) *Queue {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.CapExponent <= 0 {
		cfg.CapExponent = DefaultCapExponent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		cfg:     cfg,
		index:   make(map[domain.Timestamp]*item),
		givenUp: make(map[domain.Timestamp]struct{}),
	}
}

// Push schedules ts for another attempt after the backoff for `attempts`
// completed runs, reckoned from now. Reports false when the give-up
// threshold is reached; the timestamp is then retired until Forget.
func (q *Queue) Push(ts domain.Timestamp, attempts int, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if attempts >= q.cfg.MaxAttempts {
		q.removeLocked(ts)
		q.givenUp[ts] = struct{}{}
		return false
	}

	q.scheduleLocked(ts, attempts, now.Add(Backoff(q.cfg.Base, q.cfg.CapExponent, attempts)))
	return true
}

func (q *Queue) scheduleLocked(ts domain.Timestamp, attempts int, eligibleAt time.Time) {
	delete(q.givenUp, ts)
	if it, ok := q.index[ts]; ok {
		it.attempts = attempts
		it.eligibleAt = eligibleAt
		heap.Fix(&q.items, it.heapIndex)
		return
	}
	it := &item{ts: ts, attempts: attempts, eligibleAt: eligibleAt}
	heap.Push(&q.items, it)
	q.index[ts] = it
}

// PopEligible removes and returns the earliest entry whose deadline has
// passed. Reports false when nothing is eligible yet.
func (q *Queue) PopEligible(now time.Time) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].eligibleAt.After(now) {
		return Entry{}, false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.index, it.ts)
	return Entry{Timestamp: it.ts, Attempts: it.attempts, EligibleAt: it.eligibleAt}, true
}

// Has reports whether ts is currently queued.
func (q *Queue) Has(ts domain.Timestamp) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[ts]
	return ok
}

// IsGivenUp reports whether ts is retired at the give-up threshold.
func (q *Queue) IsGivenUp(ts domain.Timestamp) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.givenUp[ts]
	return ok
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Forget drops any queued or given-up state for ts. Called when a run
// finally succeeds or the timestamp is deleted.
func (q *Queue) Forget(ts domain.Timestamp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(ts)
	delete(q.givenUp, ts)
}

func (q *Queue) removeLocked(ts domain.Timestamp) {
	if it, ok := q.index[ts]; ok {
		heap.Remove(&q.items, it.heapIndex)
		delete(q.index, ts)
	}
}

// GivenUp returns the retired timestamps in ascending order.
func (q *Queue) GivenUp() []domain.Timestamp {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Timestamp, 0, len(q.givenUp))
	for ts := range q.givenUp {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GivenUpCount returns the number of retired timestamps.
func (q *Queue) GivenUpCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.givenUp)
}

// Rebuild replaces the queue contents from store rows after a restart.
// Failed rows keep their backoff position: the deadline is reckoned from
// the row's last attempt, not from now, so restarting the daemon never
// resets a backoff that was already in progress. Rows at the give-up
// threshold are retired directly.
func (q *Queue) Rebuild(records []domain.TaskRecord) RebuildResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.index = make(map[domain.Timestamp]*item)
	q.givenUp = make(map[domain.Timestamp]struct{})

	var res RebuildResult
	for _, rec := range records {
		if rec.Status != domain.TaskStatusFailed {
			continue
		}
		if rec.Attempts >= q.cfg.MaxAttempts {
			q.givenUp[rec.Timestamp] = struct{}{}
			res.GivenUp++
			continue
		}
		eligibleAt := rec.LastAttemptAt.Add(Backoff(q.cfg.Base, q.cfg.CapExponent, rec.Attempts))
		q.scheduleLocked(rec.Timestamp, rec.Attempts, eligibleAt)
		res.Queued++
	}
	return res
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].eligibleAt.Equal(h[j].eligibleAt) {
		return h[i].ts < h[j].ts
	}
	return h[i].eligibleAt.Before(h[j].eligibleAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.heapIndex = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
