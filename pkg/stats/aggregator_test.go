package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func testRecord(d time.Duration, queries, selects int) *record.TestRecord {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	return &record.TestRecord{
		StartTime: start,
		EndTime:   start.Add(d),
		Database: record.DatabaseTelemetry{
			Count:      queries,
			QueryTypes: record.QueryTypes{Select: selects, Other: queries - selects},
		},
	}
}

func TestPercentile_NearestRank(t *testing.T) {
	a := NewAggregator(Config{})

	for _, v := range []int{30, 10, 50, 20, 40} {
		a.Add(ms(v))
	}

	tests := []struct {
		k    int
		want time.Duration
	}{
		{k: 50, want: ms(30)},
		{k: 95, want: ms(50)},
		{k: 99, want: ms(50)},
		{k: 0, want: ms(10)},
		{k: 100, want: ms(50)},
	}

	for _, tt := range tests {
		got, ok := a.Percentile(tt.k)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "p%d", tt.k)
	}
}

func TestPercentile_NotAvailable(t *testing.T) {
	a := NewAggregator(Config{})

	_, ok := a.Percentile(50)
	assert.False(t, ok)

	snap := a.Snapshot()
	assert.Zero(t, snap.Count)
	assert.Nil(t, snap.P50MS)
	assert.Nil(t, snap.MinMS)
	assert.Nil(t, snap.MeanMS)
}

func TestIngest_Flags(t *testing.T) {
	a := NewAggregator(Config{})

	tests := []struct {
		name string
		rec  *record.TestRecord
		want Flags
	}{
		{
			name: "fast",
			rec:  testRecord(ms(100), 3, 3),
			want: Flags{},
		},
		{
			name: "slow",
			rec:  testRecord(ms(1200), 0, 0),
			want: Flags{IsSlow: true},
		},
		{
			name: "very slow",
			rec:  testRecord(ms(6000), 0, 0),
			want: Flags{IsSlow: true, IsVerySlow: true},
		},
		{
			name: "boundary is not slow",
			rec:  testRecord(ms(1000), 0, 0),
			want: Flags{},
		},
		{
			name: "db heavy",
			rec:  testRecord(0, 51, 0),
			want: Flags{IsDBHeavy: true, ModerateDBQueries: true},
		},
		{
			name: "high db queries",
			rec:  testRecord(0, 101, 5),
			want: Flags{IsDBHeavy: true, HighDBQueries: true},
		},
		{
			name: "n plus one",
			rec:  testRecord(0, 11, 11),
			want: Flags{PotentialNPlus1: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, pct := a.Ingest(tt.rec)
			assert.Equal(t, tt.want, flags)
			assert.True(t, pct.OK)
		})
	}

	assert.Equal(t, int64(len(tests)), a.Count())
}

func TestIngest_PercentilesIncludeCurrent(t *testing.T) {
	a := NewAggregator(Config{})

	_, pct := a.Ingest(testRecord(ms(100), 0, 0))
	assert.Equal(t, ms(100), pct.P50)

	_, pct = a.Ingest(testRecord(ms(1200), 0, 0))
	assert.Equal(t, ms(1200), pct.P50)

	_, pct = a.Ingest(testRecord(ms(6000), 0, 0))
	assert.Equal(t, ms(1200), pct.P50)
	assert.Equal(t, ms(6000), pct.P95)
	assert.Equal(t, ms(6000), pct.P99)
}

func TestIngest_CustomThresholds(t *testing.T) {
	a := NewAggregator(Config{Thresholds: Thresholds{
		Slow:          50 * time.Millisecond,
		VerySlow:      time.Second,
		DBHeavy:       1,
		HighDBQueries: 2,
		NPlusOne:      1,
	}})

	flags, _ := a.Ingest(testRecord(ms(60), 2, 2))
	assert.Equal(t, Flags{IsSlow: true, IsDBHeavy: true, ModerateDBQueries: true, PotentialNPlus1: true}, flags)
}

func TestSnapshot(t *testing.T) {
	a := NewAggregator(Config{})

	for _, v := range []int{10, 20, 30, 40, 50} {
		a.Add(ms(v))
	}

	snap := a.Snapshot()

	assert.Equal(t, int64(5), snap.Count)
	assert.Equal(t, int64(150), snap.SumMS)
	assert.Equal(t, record.Int64(10), snap.MinMS)
	assert.Equal(t, record.Int64(50), snap.MaxMS)
	assert.Equal(t, record.Int64(30), snap.MeanMS)
	assert.Equal(t, record.Int64(30), snap.P50MS)
	assert.Equal(t, record.Int64(50), snap.P95MS)
	assert.Equal(t, record.Int64(50), snap.P99MS)
	assert.False(t, snap.Sampled)
}

func TestReservoir_BoundedAndReproducible(t *testing.T) {
	run := func() (record.DurationStats, int) {
		a := NewAggregator(Config{SampleCap: 10, SampleSeed: 42})
		for i := 1; i <= 1000; i++ {
			a.Add(ms(i))
		}

		return a.Snapshot(), len(a.sorted)
	}

	first, retained := run()
	second, _ := run()

	assert.Equal(t, 10, retained)
	assert.Equal(t, first, second)
	assert.True(t, first.Sampled)

	// Exact aggregates are unaffected by sampling.
	assert.Equal(t, int64(1000), first.Count)
	assert.Equal(t, record.Int64(1), first.MinMS)
	assert.Equal(t, record.Int64(1000), first.MaxMS)
	assert.Equal(t, int64(500500), first.SumMS)
}

func TestReservoir_SortedInvariant(t *testing.T) {
	a := NewAggregator(Config{SampleCap: 16, SampleSeed: 7})
	for i := 0; i < 500; i++ {
		a.Add(ms((i * 37) % 101))
	}

	for i := 1; i < len(a.sorted); i++ {
		assert.LessOrEqual(t, a.sorted[i-1], a.sorted[i])
	}
}

func TestIngest_SubMillisecondRounding(t *testing.T) {
	tests := []struct {
		name     string
		d        time.Duration
		wantMS   int64
		wantSlow bool
	}{
		{name: "rounds up", d: 1000*time.Millisecond + 600*time.Microsecond, wantMS: 1001, wantSlow: true},
		{name: "rounds down to threshold", d: 1000*time.Millisecond + 400*time.Microsecond, wantMS: 1000, wantSlow: false},
		{name: "half rounds up", d: 2*time.Millisecond + 500*time.Microsecond, wantMS: 3},
		{name: "negative clamps", d: -5 * time.Millisecond, wantMS: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator(Config{})

			flags, pct := a.Ingest(testRecord(tt.d, 0, 0))
			assert.Equal(t, tt.wantSlow, flags.IsSlow)
			assert.Equal(t, tt.wantMS, pct.P50.Milliseconds())

			snap := a.Snapshot()
			require.NotNil(t, snap.P50MS)
			assert.Equal(t, tt.wantMS, *snap.P50MS)
			assert.Equal(t, tt.wantMS, *snap.P99MS)
			assert.Equal(t, tt.wantMS, *snap.MinMS)
			assert.Equal(t, tt.wantMS, *snap.MaxMS)
			assert.Equal(t, tt.wantMS, *snap.MeanMS)
			assert.Equal(t, tt.wantMS, snap.SumMS)
		})
	}
}
