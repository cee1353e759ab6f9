// Package gotest feeds go test -json event streams into a telemetry session.
package gotest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/telemetry"
)

// maxOutputLines bounds the output kept for a failing test.
const maxOutputLines = 20

// Event is one line of go test -json output.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// Recorder is the part of a telemetry session the adapter drives.
type Recorder interface {
	BeginTestAt(ctx context.Context, identity string, at time.Time) (context.Context, *telemetry.Handle, error)
	EndTestAt(h *telemetry.Handle, status record.Status, at time.Time) (*record.TestRecord, error)
	AbortLane(ctx context.Context) []*record.TestRecord
}

// Result summarizes one processed stream.
type Result struct {
	Events    int
	Malformed int
	Completed int
	Aborted   int
}

type running struct {
	ctx     context.Context
	handle  *telemetry.Handle
	started time.Time
	output  []string
}

// Adapter translates go test -json events into test begin and end signals.
// Every test runs on its own lane because parallel tests interleave in the
// stream.
type Adapter struct {
	log logrus.FieldLogger
	rec Recorder

	open   map[string]*running
	result Result
}

// NewAdapter creates an Adapter driving rec.
func NewAdapter(log logrus.FieldLogger, rec Recorder) *Adapter {
	return &Adapter{
		log:  log.WithField("component", "gotest"),
		rec:  rec,
		open: make(map[string]*running, 16),
	}
}

// Identity returns the telemetry identity of a Go test.
func Identity(pkg, test string) string {
	if pkg == "" {
		return test
	}

	return pkg + "." + test
}

// Run processes every event in r and closes tests left open at the end of the
// stream as errors.
func (a *Adapter) Run(ctx context.Context, r io.Reader) (Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			a.abortAll()

			return a.result, err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			a.result.Malformed++

			continue
		}

		a.Process(ev)
	}

	a.abortAll()

	if err := scanner.Err(); err != nil {
		return a.result, fmt.Errorf("scanning test output: %w", err)
	}

	return a.result, nil
}

// Process handles a single event.
func (a *Adapter) Process(ev Event) {
	a.result.Events++

	if ev.Test == "" {
		if ev.Action == "fail" {
			a.abortPackage(ev.Package)
		}

		return
	}

	key := Identity(ev.Package, ev.Test)

	switch ev.Action {
	case "run":
		a.begin(key, ev)
	case "pass":
		a.end(key, ev, record.StatusPassed)
	case "fail":
		a.end(key, ev, record.StatusFailed)
	case "skip":
		a.end(key, ev, record.StatusSkipped)
	case "output":
		if r, ok := a.open[key]; ok {
			r.output = append(r.output, strings.TrimRight(ev.Output, "\n"))
			if len(r.output) > maxOutputLines {
				r.output = r.output[len(r.output)-maxOutputLines:]
			}
		}
	}
}

func (a *Adapter) begin(key string, ev Event) {
	if _, ok := a.open[key]; ok {
		a.log.WithField("test", key).Warn("Test started twice")

		return
	}

	ctx, h, err := a.rec.BeginTestAt(context.Background(), key, ev.Time)
	if err != nil {
		a.log.WithError(err).WithField("test", key).Warn("Failed to begin test")

		return
	}

	h.SetMetadata("package", ev.Package)
	a.open[key] = &running{ctx: ctx, handle: h, started: ev.Time}
}

func (a *Adapter) end(key string, ev Event, status record.Status) {
	r, ok := a.open[key]
	if !ok {
		// go test reports skips of tests that never ran, e.g. with -run.
		ctx, h, err := a.rec.BeginTestAt(context.Background(), key, ev.Time)
		if err != nil {
			a.log.WithError(err).WithField("test", key).Warn("Failed to begin test")

			return
		}

		h.SetMetadata("package", ev.Package)
		r = &running{ctx: ctx, handle: h, started: ev.Time}
	}

	delete(a.open, key)

	at := ev.Time
	if ev.Elapsed > 0 {
		at = r.started.Add(time.Duration(ev.Elapsed * float64(time.Second)))
	}

	r.handle.SetMetadata("elapsed_s", ev.Elapsed)

	if status == record.StatusFailed && len(r.output) > 0 {
		r.handle.SetMetadata("output", strings.Join(r.output, "\n"))
	}

	if _, err := a.rec.EndTestAt(r.handle, status, at); err != nil {
		a.log.WithError(err).WithField("test", key).Warn("Failed to end test")

		return
	}

	a.result.Completed++
}

func (a *Adapter) abortPackage(pkg string) {
	prefix := Identity(pkg, "")

	for key, r := range a.open {
		if pkg != "" && !strings.HasPrefix(key, prefix) {
			continue
		}

		a.abort(key, r)
	}
}

func (a *Adapter) abortAll() {
	for key, r := range a.open {
		a.abort(key, r)
	}
}

func (a *Adapter) abort(key string, r *running) {
	delete(a.open, key)

	recs := a.rec.AbortLane(r.ctx)
	a.result.Aborted += len(recs)

	a.log.WithField("test", key).Warn("Test did not finish")
}
