package record

import (
	"time"
)

// SchemaVersion is written into every emitted line. Consumers must compare
// the major component before trusting field semantics.
const SchemaVersion = "1.0"

const (
	// TypeTestResult marks a per-test record line.
	TypeTestResult = "test_result"

	// TypeRunSummary marks the trailing run summary line.
	TypeRunSummary = "test_run_summary"
)

// Status is the terminal outcome of a test as reported by the host framework.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusError, StatusSkipped:
		return true
	}

	return false
}

// QueryKind is the statement kind of a query.
type QueryKind string

const (
	KindSelect QueryKind = "SELECT"
	KindInsert QueryKind = "INSERT"
	KindUpdate QueryKind = "UPDATE"
	KindDelete QueryKind = "DELETE"
	KindOther  QueryKind = "OTHER"
)

// QueryEvent is one executed statement.
type QueryEvent struct {
	SQL       string
	Kind      QueryKind
	StartedAt time.Time
	Duration  time.Duration
}

// NetworkEvent is one attempted outbound call.
type NetworkEvent struct {
	URL       string
	Permitted bool
	StartedAt time.Time
	// Duration is zero for blocked calls.
	Duration time.Duration
	// Caller is where a blocked call was attempted from, when known.
	Caller *CallSite
}

// CallSite locates the code that attempted a call.
type CallSite struct {
	File     string `json:"file" mapstructure:"file"`
	Line     int    `json:"line" mapstructure:"line"`
	Function string `json:"function" mapstructure:"function"`
}

// Query is a single query as it appears in the wire record.
type Query struct {
	SQL        string `json:"sql" mapstructure:"sql"`
	DurationMS int64  `json:"duration_ms" mapstructure:"duration_ms"`
}

// DuplicateQuery is a group of identical queries within one test.
type DuplicateQuery struct {
	SQL   string `json:"sql" mapstructure:"sql"`
	Count int    `json:"count" mapstructure:"count"`
}

// QueryTypes holds per-kind query counts.
type QueryTypes struct {
	Select int `json:"SELECT" mapstructure:"SELECT"`
	Insert int `json:"INSERT" mapstructure:"INSERT"`
	Update int `json:"UPDATE" mapstructure:"UPDATE"`
	Delete int `json:"DELETE" mapstructure:"DELETE"`
	Other  int `json:"OTHER" mapstructure:"OTHER"`
}

// Add increments the counter for kind.
func (q *QueryTypes) Add(kind QueryKind) {
	switch kind {
	case KindSelect:
		q.Select++
	case KindInsert:
		q.Insert++
	case KindUpdate:
		q.Update++
	case KindDelete:
		q.Delete++
	default:
		q.Other++
	}
}

// Total returns the sum over all kinds.
func (q QueryTypes) Total() int {
	return q.Select + q.Insert + q.Update + q.Delete + q.Other
}

// DatabaseTelemetry is the database section of a test record.
type DatabaseTelemetry struct {
	Count            int              `json:"count" mapstructure:"count"`
	TotalDurationMS  int64            `json:"total_duration_ms" mapstructure:"total_duration_ms"`
	Queries          []Query          `json:"queries" mapstructure:"queries"`
	DuplicateQueries []DuplicateQuery `json:"duplicate_queries" mapstructure:"duplicate_queries"`
	SlowQueries      []Query          `json:"slow_queries" mapstructure:"slow_queries"`
	QueryTypes       QueryTypes       `json:"query_types" mapstructure:"query_types"`
	AvgDurationMS    int64            `json:"avg_duration_ms" mapstructure:"avg_duration_ms"`
	MaxDurationMS    int64            `json:"max_duration_ms" mapstructure:"max_duration_ms"`
}

// NetworkCall is a single outbound call as it appears in the wire record.
type NetworkCall struct {
	URL        string    `json:"url" mapstructure:"url"`
	Permitted  bool      `json:"permitted" mapstructure:"permitted"`
	DurationMS int64     `json:"duration_ms" mapstructure:"duration_ms"`
	Caller     *CallSite `json:"caller,omitempty" mapstructure:"caller"`
}

// NetworkTelemetry is the network section of a test record.
type NetworkTelemetry struct {
	TotalCalls int           `json:"total_calls" mapstructure:"total_calls"`
	URLs       []string      `json:"urls" mapstructure:"urls"`
	Blocked    int           `json:"blocked" mapstructure:"blocked"`
	Calls      []NetworkCall `json:"calls" mapstructure:"calls"`
}

// Performance holds the derived flags and the suite percentiles observed at
// the time the test completed. Percentiles are nil when not available.
type Performance struct {
	IsSlow          bool     `json:"is_slow" mapstructure:"is_slow"`
	IsVerySlow      bool     `json:"is_very_slow" mapstructure:"is_very_slow"`
	IsDBHeavy       bool     `json:"is_db_heavy" mapstructure:"is_db_heavy"`
	HighDBQueries   bool     `json:"high_db_queries" mapstructure:"high_db_queries"`
	PotentialNPlus1 bool     `json:"potential_n_plus_1" mapstructure:"potential_n_plus_1"`
	P50DurationMS   *int64   `json:"p50_duration_ms" mapstructure:"p50_duration_ms"`
	P95DurationMS   *int64   `json:"p95_duration_ms" mapstructure:"p95_duration_ms"`
	P99DurationMS   *int64   `json:"p99_duration_ms" mapstructure:"p99_duration_ms"`
	Flags           []string `json:"flags" mapstructure:"flags"`
}

// TestRecord is the immutable snapshot of a finished test.
type TestRecord struct {
	SchemaVersion string            `json:"schema_version" mapstructure:"schema_version"`
	Type          string            `json:"type" mapstructure:"type"`
	RunID         string            `json:"run_id" mapstructure:"run_id"`
	ID            string            `json:"id" mapstructure:"id"`
	Name          string            `json:"name" mapstructure:"name"`
	Class         string            `json:"class" mapstructure:"class"`
	Module        string            `json:"module" mapstructure:"module"`
	File          string            `json:"file" mapstructure:"file"`
	Status        Status            `json:"status" mapstructure:"status"`
	StartTime     time.Time         `json:"start_time" mapstructure:"start_time"`
	EndTime       time.Time         `json:"end_time" mapstructure:"end_time"`
	DurationMS    int64             `json:"duration_ms" mapstructure:"duration_ms"`
	Database      DatabaseTelemetry `json:"database" mapstructure:"database"`
	Network       NetworkTelemetry  `json:"network" mapstructure:"network"`
	Performance   Performance       `json:"performance" mapstructure:"performance"`
	Metadata      map[string]any    `json:"metadata,omitempty" mapstructure:"metadata"`
}

// Duration returns the test duration.
func (r *TestRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationStats is the suite-wide duration snapshot carried by the summary.
type DurationStats struct {
	Count  int64  `json:"count" mapstructure:"count"`
	SumMS  int64  `json:"sum_ms" mapstructure:"sum_ms"`
	MinMS  *int64 `json:"min_ms" mapstructure:"min_ms"`
	MaxMS  *int64 `json:"max_ms" mapstructure:"max_ms"`
	MeanMS *int64 `json:"mean_ms" mapstructure:"mean_ms"`
	P50MS  *int64 `json:"p50_ms" mapstructure:"p50_ms"`
	P95MS  *int64 `json:"p95_ms" mapstructure:"p95_ms"`
	P99MS  *int64 `json:"p99_ms" mapstructure:"p99_ms"`
	// Sampled is true once the sample cap was exceeded and percentiles are
	// computed over a reservoir rather than every duration.
	Sampled bool `json:"sampled" mapstructure:"sampled"`
}

// Unattributed counts events observed while no test was active on their lane.
type Unattributed struct {
	Queries int64 `json:"queries" mapstructure:"queries"`
	Network int64 `json:"network" mapstructure:"network"`
}

// Internal collects instrumentation errors for later diagnosis.
type Internal struct {
	InterceptorErrors int64    `json:"interceptor_errors" mapstructure:"interceptor_errors"`
	EmitterWarnings   int64    `json:"emitter_warnings" mapstructure:"emitter_warnings"`
	IOFailures        int64    `json:"io_failures" mapstructure:"io_failures"`
	Errors            []string `json:"errors" mapstructure:"errors"`
}

// RunSummary is the trailing line that closes a telemetry stream.
type RunSummary struct {
	SchemaVersion string            `json:"schema_version" mapstructure:"schema_version"`
	Type          string            `json:"type" mapstructure:"type"`
	RunID         string            `json:"run_id" mapstructure:"run_id"`
	StartTime     time.Time         `json:"start_time" mapstructure:"start_time"`
	EndTime       time.Time         `json:"end_time" mapstructure:"end_time"`
	TotalTests    int               `json:"total_tests" mapstructure:"total_tests"`
	PassedTests   int               `json:"passed_tests" mapstructure:"passed_tests"`
	FailedTests   int               `json:"failed_tests" mapstructure:"failed_tests"`
	ErrorTests    int               `json:"error_tests" mapstructure:"error_tests"`
	SkippedTests  int               `json:"skipped_tests" mapstructure:"skipped_tests"`
	ExitCode      int               `json:"exit_code" mapstructure:"exit_code"`
	Duration      DurationStats     `json:"duration" mapstructure:"duration"`
	Unattributed  Unattributed      `json:"unattributed" mapstructure:"unattributed"`
	Internal      Internal          `json:"internal" mapstructure:"internal"`
	Environment   map[string]string `json:"environment,omitempty" mapstructure:"environment"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
