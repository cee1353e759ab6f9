package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

// Run is one indexed telemetry run.
type Run struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RunID         string    `gorm:"not null;uniqueIndex:idx_runs_run_id" json:"run_id"`
	SchemaVersion string    `json:"schema_version"`
	StartTime     time.Time `gorm:"index" json:"start_time"`
	EndTime       time.Time `json:"end_time"`

	TotalTests   int `json:"total_tests"`
	PassedTests  int `json:"passed_tests"`
	FailedTests  int `json:"failed_tests"`
	ErrorTests   int `json:"error_tests"`
	SkippedTests int `json:"skipped_tests"`
	ExitCode     int `json:"exit_code"`

	// Denormalized duration stats.
	DurationSumMS int64  `json:"duration_sum_ms"`
	P50MS         *int64 `json:"p50_ms"`
	P95MS         *int64 `json:"p95_ms"`
	P99MS         *int64 `json:"p99_ms"`
	Sampled       bool   `json:"sampled"`

	UnattributedQueries int64 `json:"unattributed_queries"`
	UnattributedNetwork int64 `json:"unattributed_network"`
	InternalErrors      int   `json:"internal_errors"`

	// Host and framework metadata serialized as JSON.
	EnvironmentJSON string `gorm:"type:text" json:"-"`

	IndexedAt   time.Time  `json:"indexed_at"`
	ReindexedAt *time.Time `json:"reindexed_at,omitempty"`
}

// Environment decodes the stored environment map.
func (r *Run) Environment() map[string]string {
	if r.EnvironmentJSON == "" {
		return nil
	}

	var env map[string]string
	if err := json.Unmarshal([]byte(r.EnvironmentJSON), &env); err != nil {
		return nil
	}

	return env
}

// RunFromSummary builds the index row for a run summary.
func RunFromSummary(s *record.RunSummary) (*Run, error) {
	if s == nil || s.RunID == "" {
		return nil, fmt.Errorf("summary without run id")
	}

	run := &Run{
		RunID:               s.RunID,
		SchemaVersion:       s.SchemaVersion,
		StartTime:           s.StartTime,
		EndTime:             s.EndTime,
		TotalTests:          s.TotalTests,
		PassedTests:         s.PassedTests,
		FailedTests:         s.FailedTests,
		ErrorTests:          s.ErrorTests,
		SkippedTests:        s.SkippedTests,
		ExitCode:            s.ExitCode,
		DurationSumMS:       s.Duration.SumMS,
		P50MS:               s.Duration.P50MS,
		P95MS:               s.Duration.P95MS,
		P99MS:               s.Duration.P99MS,
		Sampled:             s.Duration.Sampled,
		UnattributedQueries: s.Unattributed.Queries,
		UnattributedNetwork: s.Unattributed.Network,
		InternalErrors:      len(s.Internal.Errors),
	}

	if len(s.Environment) > 0 {
		data, err := json.Marshal(s.Environment)
		if err != nil {
			return nil, fmt.Errorf("encoding environment: %w", err)
		}

		run.EnvironmentJSON = string(data)
	}

	return run, nil
}
