package emitter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

// Unserializable replaces metadata values that cannot be encoded.
const Unserializable = "<unserializable>"

// maxWarnings bounds the retained warning messages.
const maxWarnings = 100

// Config configures an Emitter.
type Config struct {
	// Prefixed writes TEST_RESULT: / TEST_SUMMARY: before each line.
	Prefixed bool
}

// Emitter writes records as newline-delimited JSON, one line per call, in
// call order.
type Emitter struct {
	log      logrus.FieldLogger
	prefixed bool

	mu         sync.Mutex
	out        io.Writer
	w          *bufio.Writer
	ioFailures int64
	warnings   int64
	messages   []string
}

// New creates an Emitter writing to w. A nil w discards output.
func New(log logrus.FieldLogger, w io.Writer, cfg Config) *Emitter {
	if w == nil {
		w = io.Discard
	}

	return &Emitter{
		log:      log.WithField("component", "emitter"),
		prefixed: cfg.Prefixed,
		out:      w,
		w:        bufio.NewWriter(w),
	}
}

// EmitRecord writes one test record line.
func (e *Emitter) EmitRecord(rec *record.TestRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clean := e.sanitizeRecord(rec)

	data, err := json.Marshal(clean)
	if err != nil {
		e.warnLocked(fmt.Sprintf("encoding record %q: %v", rec.ID, err))

		data, _ = json.Marshal(map[string]any{
			"schema_version": clean.SchemaVersion,
			"type":           clean.Type,
			"run_id":         clean.RunID,
			"id":             clean.ID,
			"status":         clean.Status,
			"error":          err.Error(),
		})
	}

	e.writeLocked(record.PrefixResult, data)
}

// EmitSummary writes the run summary line.
func (e *Emitter) EmitSummary(sum *record.RunSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clean := e.sanitizeSummary(sum)

	data, err := json.Marshal(clean)
	if err != nil {
		e.warnLocked(fmt.Sprintf("encoding summary: %v", err))

		data, _ = json.Marshal(map[string]any{
			"schema_version": clean.SchemaVersion,
			"type":           clean.Type,
			"run_id":         clean.RunID,
			"exit_code":      clean.ExitCode,
			"error":          err.Error(),
		})
	}

	e.writeLocked(record.PrefixSummary, data)
}

// Warnings returns the number of serialization repairs so far.
func (e *Emitter) Warnings() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.warnings
}

// IOFailures returns the number of failed writes so far.
func (e *Emitter) IOFailures() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ioFailures
}

// Messages returns the retained warning and failure messages.
func (e *Emitter) Messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.messages)
}

func (e *Emitter) writeLocked(prefix string, data []byte) {
	if e.prefixed {
		_, _ = e.w.WriteString(prefix)
	}

	_, _ = e.w.Write(data)
	_ = e.w.WriteByte('\n')

	err := e.w.Flush()
	if err == nil {
		return
	}

	e.ioFailures++

	// bufio keeps returning the first error; start over with a fresh buffer
	// so a recovered writer can be used again.
	e.w.Reset(e.out)

	if e.ioFailures > 1 {
		return
	}

	e.addMessageLocked(fmt.Sprintf("writing telemetry: %v", err))
	e.log.WithError(err).Warn("Failed to write telemetry; further write errors are counted silently")
}

func (e *Emitter) warnLocked(msg string) {
	e.warnings++
	e.addMessageLocked(msg)
	e.log.Debug(msg)
}

func (e *Emitter) addMessageLocked(msg string) {
	if len(e.messages) < maxWarnings {
		e.messages = append(e.messages, msg)
	}
}

// fixString repairs invalid UTF-8 in place and records a warning.
func (e *Emitter) fixString(s *string, field string) {
	if utf8.ValidString(*s) {
		return
	}

	*s = strings.ToValidUTF8(*s, "\uFFFD")
	e.warnLocked(fmt.Sprintf("field %s: invalid UTF-8 replaced", field))
}

// sanitizeRecord returns a copy of rec that is guaranteed to encode.
func (e *Emitter) sanitizeRecord(rec *record.TestRecord) *record.TestRecord {
	out := *rec

	for _, f := range []struct {
		name string
		s    *string
	}{
		{"run_id", &out.RunID},
		{"id", &out.ID},
		{"name", &out.Name},
		{"class", &out.Class},
		{"module", &out.Module},
		{"file", &out.File},
	} {
		e.fixString(f.s, f.name)
	}

	db := &out.Database
	db.Queries = slices.Clone(db.Queries)
	db.SlowQueries = slices.Clone(db.SlowQueries)
	db.DuplicateQueries = slices.Clone(db.DuplicateQueries)

	for i := range db.Queries {
		e.fixString(&db.Queries[i].SQL, "database.queries.sql")
	}

	for i := range db.SlowQueries {
		e.fixString(&db.SlowQueries[i].SQL, "database.slow_queries.sql")
	}

	for i := range db.DuplicateQueries {
		e.fixString(&db.DuplicateQueries[i].SQL, "database.duplicate_queries.sql")
	}

	net := &out.Network
	net.URLs = slices.Clone(net.URLs)
	net.Calls = slices.Clone(net.Calls)

	for i := range net.URLs {
		e.fixString(&net.URLs[i], "network.urls")
	}

	for i := range net.Calls {
		e.fixString(&net.Calls[i].URL, "network.calls.url")

		if c := net.Calls[i].Caller; c != nil {
			site := *c
			e.fixString(&site.File, "network.calls.caller.file")
			e.fixString(&site.Function, "network.calls.caller.function")
			net.Calls[i].Caller = &site
		}
	}

	if len(rec.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(rec.Metadata))

		for _, k := range slices.Sorted(maps.Keys(rec.Metadata)) {
			key := k
			e.fixString(&key, "metadata key")
			out.Metadata[key] = e.sanitizeValue(rec.Metadata[k], "metadata."+key)
		}
	}

	return &out
}

func (e *Emitter) sanitizeValue(v any, field string) any {
	if s, ok := v.(string); ok {
		e.fixString(&s, field)

		return s
	}

	if _, err := json.Marshal(v); err != nil {
		e.warnLocked(fmt.Sprintf("field %s: %v", field, err))

		return Unserializable
	}

	return v
}

func (e *Emitter) sanitizeSummary(sum *record.RunSummary) *record.RunSummary {
	out := *sum

	e.fixString(&out.RunID, "run_id")

	out.Internal.Errors = slices.Clone(sum.Internal.Errors)
	for i := range out.Internal.Errors {
		e.fixString(&out.Internal.Errors[i], "internal.errors")
	}

	if len(sum.Environment) > 0 {
		out.Environment = make(map[string]string, len(sum.Environment))

		for k, v := range sum.Environment {
			e.fixString(&v, "environment."+k)
			out.Environment[k] = v
		}
	}

	return &out
}
