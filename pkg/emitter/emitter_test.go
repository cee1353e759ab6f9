package emitter

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

type failingWriter struct {
	calls int
}

func (f *failingWriter) Write(_ []byte) (int, error) {
	f.calls++

	return 0, errors.New("disk full")
}

func sampleRecord(id string) *record.TestRecord {
	return &record.TestRecord{
		SchemaVersion: record.SchemaVersion,
		Type:          record.TypeTestResult,
		RunID:         "run_1",
		ID:            id,
		Status:        record.StatusPassed,
		Database: record.DatabaseTelemetry{
			Queries:          []record.Query{},
			DuplicateQueries: []record.DuplicateQuery{},
			SlowQueries:      []record.Query{},
		},
		Network: record.NetworkTelemetry{URLs: []string{}, Calls: []record.NetworkCall{}},
	}
}

func lines(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()

	out := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	for _, l := range out {
		require.True(t, json.Valid([]byte(l)), l)
	}

	return out
}

func TestEmitRecord_OneLinePerRecordInOrder(t *testing.T) {
	log, _ := test.NewNullLogger()

	var buf bytes.Buffer

	e := New(log, &buf, Config{})

	e.EmitRecord(sampleRecord("a"))
	e.EmitRecord(sampleRecord("b"))
	e.EmitSummary(&record.RunSummary{SchemaVersion: record.SchemaVersion, Type: record.TypeRunSummary, RunID: "run_1"})

	got := lines(t, &buf)
	require.Len(t, got, 3)
	assert.Contains(t, got[0], `"id":"a"`)
	assert.Contains(t, got[1], `"id":"b"`)
	assert.Contains(t, got[2], `"type":"test_run_summary"`)
	assert.Contains(t, got[0], `"queries":[]`)
	assert.Zero(t, e.Warnings())
}

func TestEmit_Prefixed(t *testing.T) {
	log, _ := test.NewNullLogger()

	var buf bytes.Buffer

	e := New(log, &buf, Config{Prefixed: true})

	e.EmitRecord(sampleRecord("a"))
	e.EmitSummary(&record.RunSummary{Type: record.TypeRunSummary})

	out := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, out, 2)
	assert.True(t, strings.HasPrefix(out[0], record.PrefixResult+"{"))
	assert.True(t, strings.HasPrefix(out[1], record.PrefixSummary+"{"))
}

func TestEmitRecord_RepairsInvalidFields(t *testing.T) {
	log, _ := test.NewNullLogger()

	var buf bytes.Buffer

	e := New(log, &buf, Config{})

	rec := sampleRecord("bad\xffid")
	rec.Database.Queries = []record.Query{{SQL: "SELECT '\xfe'"}}
	rec.Metadata = map[string]any{
		"ok":      "fine",
		"nan":     math.NaN(),
		"channel": make(chan int),
	}

	e.EmitRecord(rec)

	got := lines(t, &buf)
	require.Len(t, got, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[0]), &decoded))

	assert.Equal(t, "bad�id", decoded["id"])

	meta := decoded["metadata"].(map[string]any)
	assert.Equal(t, "fine", meta["ok"])
	assert.Equal(t, Unserializable, meta["nan"])
	assert.Equal(t, Unserializable, meta["channel"])

	assert.Equal(t, int64(4), e.Warnings())
	assert.Len(t, e.Messages(), 4)

	// The caller's record is left untouched.
	assert.Equal(t, "bad\xffid", rec.ID)
	assert.Equal(t, "SELECT '\xfe'", rec.Database.Queries[0].SQL)
}

func TestEmit_IOFailureLoggedOnce(t *testing.T) {
	log, hook := test.NewNullLogger()
	w := &failingWriter{}
	e := New(log, w, Config{})

	for i := 0; i < 3; i++ {
		e.EmitRecord(sampleRecord("a"))
	}

	assert.Equal(t, int64(3), e.IOFailures())
	assert.Equal(t, 3, w.calls)

	warnings := 0

	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings++
		}
	}

	assert.Equal(t, 1, warnings)
	require.Len(t, e.Messages(), 1)
	assert.Contains(t, e.Messages()[0], "disk full")
}

func TestNew_NilWriterDiscards(t *testing.T) {
	log, _ := test.NewNullLogger()
	e := New(log, nil, Config{})

	e.EmitRecord(sampleRecord("a"))
	assert.Zero(t, e.IOFailures())
}
