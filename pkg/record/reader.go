package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	// PrefixResult is the optional line prefix for per-test records.
	PrefixResult = "TEST_RESULT:"

	// PrefixSummary is the optional line prefix for the run summary.
	PrefixSummary = "TEST_SUMMARY:"

	maxLineSize = 16 * 1024 * 1024
)

// ErrIncompatibleSchema is returned when a line carries a schema version whose
// major component differs from SchemaVersion.
var ErrIncompatibleSchema = errors.New("incompatible schema version")

// Line is one decoded telemetry line. Exactly one of Record or Summary is set.
type Line struct {
	Number  int
	Record  *TestRecord
	Summary *RunSummary
}

// Reader decodes a telemetry stream. Unknown fields and unknown line types
// are tolerated; lines that are not JSON objects (interleaved test output)
// are skipped.
type Reader struct {
	scanner *bufio.Scanner
	line    int
	skipped int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &Reader{scanner: scanner}
}

// Skipped returns how many lines were ignored so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Next returns the next telemetry line, or io.EOF at the end of the stream.
func (r *Reader) Next() (*Line, error) {
	for r.scanner.Scan() {
		r.line++

		raw := bytes.TrimSpace(r.scanner.Bytes())
		raw = bytes.TrimPrefix(raw, []byte(PrefixResult))
		raw = bytes.TrimPrefix(raw, []byte(PrefixSummary))

		if len(raw) == 0 || raw[0] != '{' {
			r.skipped++

			continue
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			r.skipped++

			continue
		}

		line, err := decodeLine(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}

		if line == nil {
			r.skipped++

			continue
		}

		line.Number = r.line

		return line, nil
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning telemetry stream: %w", err)
	}

	return nil, io.EOF
}

// ReadAll drains the stream and returns every record and the last summary
// seen, if any.
func ReadAll(r io.Reader) ([]*TestRecord, *RunSummary, error) {
	reader := NewReader(r)

	var (
		records []*TestRecord
		summary *RunSummary
	)

	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return records, summary, nil
		}

		if err != nil {
			return records, summary, err
		}

		if line.Record != nil {
			records = append(records, line.Record)
		} else {
			summary = line.Summary
		}
	}
}

// decodeLine returns nil, nil for lines of an unknown type.
func decodeLine(fields map[string]any) (*Line, error) {
	version, _ := fields["schema_version"].(string)
	if !CompatibleVersion(version) {
		return nil, fmt.Errorf("%w: %q", ErrIncompatibleSchema, version)
	}

	kind, _ := fields["type"].(string)

	switch kind {
	case TypeTestResult:
		rec := &TestRecord{}
		if err := decode(fields, rec); err != nil {
			return nil, fmt.Errorf("decoding test record: %w", err)
		}

		return &Line{Record: rec}, nil
	case TypeRunSummary:
		sum := &RunSummary{}
		if err := decode(fields, sum); err != nil {
			return nil, fmt.Errorf("decoding run summary: %w", err)
		}

		return &Line{Summary: sum}, nil
	default:
		return nil, nil
	}
}

func decode(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:     out,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

// CompatibleVersion reports whether version shares the major component of
// SchemaVersion.
func CompatibleVersion(version string) bool {
	major, _, _ := strings.Cut(version, ".")
	want, _, _ := strings.Cut(SchemaVersion, ".")

	return major != "" && major == want
}
