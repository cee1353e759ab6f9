package store

import (
	"strings"
	"time"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

// TestResult is one indexed test record. A test id may repeat within a run
// when the framework re-runs it.
type TestResult struct {
	ID        uint          `gorm:"primaryKey" json:"-"`
	RunID     string        `gorm:"not null;index:idx_tests_run_test" json:"run_id"`
	TestID    string        `gorm:"not null;index:idx_tests_run_test;index:idx_tests_test_id" json:"id"`
	Name      string        `json:"name"`
	Class     string        `json:"class"`
	Module    string        `gorm:"index" json:"module"`
	File      string        `json:"file"`
	Status    record.Status `gorm:"index" json:"status"`
	StartTime time.Time     `json:"start_time"`

	DurationMS int64 `gorm:"index" json:"duration_ms"`

	// Denormalized database and network stats.
	QueryCount          int   `json:"query_count"`
	SelectCount         int   `json:"select_count"`
	QueryDurationMS     int64 `json:"query_duration_ms"`
	SlowQueryCount      int   `json:"slow_query_count"`
	DuplicateQueryCount int   `json:"duplicate_query_count"`
	NetworkCalls        int   `json:"network_calls"`
	NetworkBlocked      int   `json:"network_blocked"`

	IsSlow          bool `json:"is_slow"`
	IsVerySlow      bool `json:"is_very_slow"`
	IsDBHeavy       bool `json:"is_db_heavy"`
	PotentialNPlus1 bool `json:"potential_n_plus_1"`

	// Flags is the performance flag list wrapped in commas so a single
	// flag matches with LIKE '%,flag,%'.
	Flags string `json:"-"`
}

// FlagList returns the stored performance flags.
func (t *TestResult) FlagList() []string {
	trimmed := strings.Trim(t.Flags, ",")
	if trimmed == "" {
		return []string{}
	}

	return strings.Split(trimmed, ",")
}

// TestResultFromRecord builds the index row for a test record.
func TestResultFromRecord(runID string, rec *record.TestRecord) *TestResult {
	if rec.RunID != "" {
		runID = rec.RunID
	}

	flags := ""
	if len(rec.Performance.Flags) > 0 {
		flags = "," + strings.Join(rec.Performance.Flags, ",") + ","
	}

	return &TestResult{
		RunID:               runID,
		TestID:              rec.ID,
		Name:                rec.Name,
		Class:               rec.Class,
		Module:              rec.Module,
		File:                rec.File,
		Status:              rec.Status,
		StartTime:           rec.StartTime,
		DurationMS:          rec.DurationMS,
		QueryCount:          rec.Database.Count,
		SelectCount:         rec.Database.QueryTypes.Select,
		QueryDurationMS:     rec.Database.TotalDurationMS,
		SlowQueryCount:      len(rec.Database.SlowQueries),
		DuplicateQueryCount: len(rec.Database.DuplicateQueries),
		NetworkCalls:        rec.Network.TotalCalls,
		NetworkBlocked:      rec.Network.Blocked,
		IsSlow:              rec.Performance.IsSlow,
		IsVerySlow:          rec.Performance.IsVerySlow,
		IsDBHeavy:           rec.Performance.IsDBHeavy,
		PotentialNPlus1:     rec.Performance.PotentialNPlus1,
		Flags:               flags,
	}
}
