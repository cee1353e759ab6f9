package stats

import (
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

const (
	// DefaultSampleCap bounds the retained duration samples.
	DefaultSampleCap = 100000

	// DefaultSampleSeed seeds reservoir replacement once the cap is reached.
	DefaultSampleSeed = 1
)

// Thresholds holds the per-test flag thresholds. A test is flagged when its
// value is strictly greater than the threshold.
type Thresholds struct {
	Slow          time.Duration
	VerySlow      time.Duration
	DBHeavy       int
	HighDBQueries int
	NPlusOne      int
}

// DefaultThresholds returns the standard flag thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Slow:          time.Second,
		VerySlow:      5 * time.Second,
		DBHeavy:       50,
		HighDBQueries: 100,
		NPlusOne:      10,
	}
}

// Config configures an Aggregator.
type Config struct {
	Thresholds Thresholds
	// SampleCap is the maximum number of retained samples; <= 0 selects
	// DefaultSampleCap.
	SampleCap  int
	SampleSeed int64
}

// Flags are the derived per-test flags.
type Flags struct {
	IsSlow          bool
	IsVerySlow      bool
	IsDBHeavy       bool
	HighDBQueries   bool
	PotentialNPlus1 bool
	// ModerateDBQueries is set for tests that are db heavy but below the high
	// query threshold.
	ModerateDBQueries bool
}

// Percentiles are the suite percentiles at some point in the run.
type Percentiles struct {
	P50, P95, P99 time.Duration
	OK            bool
}

// Aggregator maintains suite-wide duration statistics incrementally.
type Aggregator struct {
	mu         sync.Mutex
	thresholds Thresholds
	cap        int
	rng        *rand.Rand

	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration

	// sorted holds the retained samples in ascending order.
	sorted  []time.Duration
	sampled bool
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	capacity := cfg.SampleCap
	if capacity <= 0 {
		capacity = DefaultSampleCap
	}

	seed := cfg.SampleSeed
	if seed == 0 {
		seed = DefaultSampleSeed
	}

	thresholds := cfg.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}

	return &Aggregator{
		thresholds: thresholds,
		cap:        capacity,
		rng:        rand.New(rand.NewSource(seed)), //nolint:gosec // sampling, not security
		sorted:     make([]time.Duration, 0, min(capacity, 1024)),
	}
}

// Ingest adds one finished test and returns its flags along with the suite
// percentiles including that test. The duration is rounded to the millisecond
// the way duration_ms is, so flags and percentiles agree with the record.
func (a *Aggregator) Ingest(rec *record.TestRecord) (Flags, Percentiles) {
	d := roundMS(rec.Duration())

	a.mu.Lock()
	a.add(d)
	pct := a.percentilesLocked()
	a.mu.Unlock()

	return a.Classify(d, rec.Database.Count, rec.Database.QueryTypes.Select), pct
}

// Classify derives flags for a test with the given duration, query count and
// SELECT count.
func (a *Aggregator) Classify(d time.Duration, queries, selects int) Flags {
	t := a.thresholds

	return Flags{
		IsSlow:            d > t.Slow,
		IsVerySlow:        d > t.VerySlow,
		IsDBHeavy:         queries > t.DBHeavy,
		HighDBQueries:     queries > t.HighDBQueries,
		PotentialNPlus1:   selects > t.NPlusOne,
		ModerateDBQueries: queries > t.DBHeavy && queries <= t.HighDBQueries,
	}
}

// Add records a bare duration sample, rounded to the millisecond.
func (a *Aggregator) Add(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.add(roundMS(d))
}

func roundMS(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}

	return d.Round(time.Millisecond)
}

// toMS converts a whole or averaged duration to rounded milliseconds.
func toMS(d time.Duration) int64 {
	return d.Round(time.Millisecond).Milliseconds()
}

func (a *Aggregator) add(d time.Duration) {
	a.count++
	a.sum += d

	if a.count == 1 || d < a.min {
		a.min = d
	}

	if a.count == 1 || d > a.max {
		a.max = d
	}

	if len(a.sorted) < a.cap {
		a.insert(d)

		return
	}

	// Algorithm R: the n-th sample replaces a random retained one with
	// probability cap/n.
	a.sampled = true

	j := a.rng.Int63n(a.count)
	if j >= int64(a.cap) {
		return
	}

	victim := a.rng.Intn(len(a.sorted))
	a.sorted = slices.Delete(a.sorted, victim, victim+1)
	a.insert(d)
}

func (a *Aggregator) insert(d time.Duration) {
	idx, _ := slices.BinarySearch(a.sorted, d)
	a.sorted = slices.Insert(a.sorted, idx, d)
}

// Percentile returns the k-th percentile (nearest rank, index
// floor(k*N/100) clamped to N-1) over the retained samples. ok is false when
// no sample has been ingested.
func (a *Aggregator) Percentile(k int) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return percentile(a.sorted, k)
}

// Percentiles returns P50, P95 and P99.
func (a *Aggregator) Percentiles() Percentiles {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.percentilesLocked()
}

func (a *Aggregator) percentilesLocked() Percentiles {
	p50, ok := percentile(a.sorted, 50)
	p95, _ := percentile(a.sorted, 95)
	p99, _ := percentile(a.sorted, 99)

	return Percentiles{P50: p50, P95: p95, P99: p99, OK: ok}
}

func percentile(sorted []time.Duration, k int) (time.Duration, bool) {
	if len(sorted) == 0 {
		return 0, false
	}

	idx := (k * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	if idx < 0 {
		idx = 0
	}

	return sorted[idx], true
}

// Snapshot returns the current statistics in wire form.
func (a *Aggregator) Snapshot() record.DurationStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := record.DurationStats{
		Count:   a.count,
		SumMS:   toMS(a.sum),
		Sampled: a.sampled,
	}

	if a.count == 0 {
		return out
	}

	pct := a.percentilesLocked()

	out.MinMS = record.Int64(toMS(a.min))
	out.MaxMS = record.Int64(toMS(a.max))
	out.MeanMS = record.Int64(toMS(a.sum / time.Duration(a.count)))
	out.P50MS = record.Int64(toMS(pct.P50))
	out.P95MS = record.Int64(toMS(pct.P95))
	out.P99MS = record.Int64(toMS(pct.P99))

	return out
}

// Count returns the number of ingested samples.
func (a *Aggregator) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.count
}
