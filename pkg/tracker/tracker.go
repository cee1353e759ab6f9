package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/10printhello/trim-telemetry/pkg/analyzer"
	"github.com/10printhello/trim-telemetry/pkg/record"
)

var (
	// ErrEmptyIdentity is returned when a test is begun without an identity.
	ErrEmptyIdentity = errors.New("test identity is empty")

	// ErrNotTop is returned when ending a test that is not the innermost
	// active test of its lane.
	ErrNotTop = errors.New("test is not the innermost active test of its lane")

	// ErrAlreadyEnded is returned when a handle is ended twice.
	ErrAlreadyEnded = errors.New("test already ended")

	// ErrUnknownHandle is returned for nil handles or handles issued by a
	// different tracker.
	ErrUnknownHandle = errors.New("unknown test handle")

	// ErrInvalidStatus is returned when ending a test with an unknown status.
	ErrInvalidStatus = errors.New("invalid test status")
)

// Sink receives normalized events. The Tracker is the production Sink.
type Sink interface {
	AttributeQuery(ctx context.Context, ev record.QueryEvent)
	AttributeNetwork(ctx context.Context, ev record.NetworkEvent)
}

// Handle refers to a begun test.
type Handle struct {
	owner     *Tracker
	tc        *testContext
	identity  string
	lane      LaneID
	startedAt time.Time
}

// Identity returns the test identity.
func (h *Handle) Identity() string { return h.identity }

// Lane returns the lane the test was begun on.
func (h *Handle) Lane() LaneID { return h.lane }

// StartedAt returns the begin timestamp.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

type testContext struct {
	handle  *Handle
	queries []record.QueryEvent
	network []record.NetworkEvent
	ended   bool
}

type lane struct {
	mu    sync.Mutex
	stack []*testContext
	// dead is set once the lane was removed from the registry.
	dead bool
}

func (l *lane) top() *testContext {
	if len(l.stack) == 0 {
		return nil
	}

	return l.stack[len(l.stack)-1]
}

// Tracker owns every active test context and attributes events to the
// innermost active test of the event's lane.
type Tracker struct {
	log      logrus.FieldLogger
	analyzer *analyzer.Analyzer

	mu    sync.Mutex
	lanes map[LaneID]*lane

	unattributedQueries atomic.Int64
	unattributedNetwork atomic.Int64
}

var _ Sink = (*Tracker)(nil)

// New creates a Tracker that converts finished tests with a.
func New(log logrus.FieldLogger, a *analyzer.Analyzer) *Tracker {
	if a == nil {
		a = analyzer.New(analyzer.Config{})
	}

	return &Tracker{
		log:      log.WithField("component", "tracker"),
		analyzer: a,
		lanes:    make(map[LaneID]*lane, 16),
	}
}

// acquire returns the locked lane for id, creating it when create is set.
func (t *Tracker) acquire(id LaneID, create bool) *lane {
	for {
		t.mu.Lock()

		l, ok := t.lanes[id]
		if !ok {
			if !create {
				t.mu.Unlock()

				return nil
			}

			l = &lane{}
			t.lanes[id] = l
		}

		t.mu.Unlock()

		l.mu.Lock()

		if !l.dead {
			return l
		}

		l.mu.Unlock()
	}
}

// release unlocks l and drops it from the registry when it has no open tests.
func (t *Tracker) release(id LaneID, l *lane) {
	empty := len(l.stack) == 0
	l.mu.Unlock()

	if !empty {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.stack) == 0 && !l.dead && t.lanes[id] == l {
		l.dead = true
		delete(t.lanes, id)
	}
}

// Begin opens a test context on lane. Nested begins on the same lane stack;
// events go to the innermost test until it ends.
func (t *Tracker) Begin(laneID LaneID, identity string, at time.Time) (*Handle, error) {
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	h := &Handle{
		owner:     t,
		identity:  identity,
		lane:      laneID,
		startedAt: at,
	}
	h.tc = &testContext{handle: h}

	l := t.acquire(laneID, true)
	l.stack = append(l.stack, h.tc)
	depth := len(l.stack)
	l.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"test":  identity,
		"lane":  laneID,
		"depth": depth,
	}).Debug("Test begun")

	return h, nil
}

// End closes the test referred to by h and converts it into a record. The
// record carries identity, status, timing and the analyzed database and
// network sections; run level fields are left to the caller.
func (t *Tracker) End(h *Handle, status record.Status, at time.Time) (*record.TestRecord, error) {
	if h == nil || h.owner != t {
		return nil, ErrUnknownHandle
	}

	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	l := t.acquire(h.lane, false)
	if l == nil {
		if h.tc.ended {
			return nil, ErrAlreadyEnded
		}

		return nil, ErrUnknownHandle
	}

	if h.tc.ended {
		l.mu.Unlock()

		return nil, ErrAlreadyEnded
	}

	if l.top() != h.tc {
		l.mu.Unlock()

		return nil, fmt.Errorf("ending %q: %w", h.identity, ErrNotTop)
	}

	tc := h.tc
	tc.ended = true
	l.stack = l.stack[:len(l.stack)-1]
	t.release(h.lane, l)

	return t.convert(tc, status, at), nil
}

// Abandon closes every open test on lane, innermost first, with status error.
// It is used when a test is interrupted and its end signal will never come.
func (t *Tracker) Abandon(laneID LaneID, at time.Time) []*record.TestRecord {
	l := t.acquire(laneID, false)
	if l == nil {
		return nil
	}

	open := l.stack
	l.stack = nil

	for _, tc := range open {
		tc.ended = true
	}

	t.release(laneID, l)

	out := make([]*record.TestRecord, 0, len(open))
	for i := len(open) - 1; i >= 0; i-- {
		out = append(out, t.convert(open[i], record.StatusError, at))
	}

	if len(out) > 0 {
		t.log.WithFields(logrus.Fields{
			"lane":  laneID,
			"tests": len(out),
		}).Warn("Abandoned open tests")
	}

	return out
}

// AbandonAll abandons the open tests of every lane.
func (t *Tracker) AbandonAll(at time.Time) []*record.TestRecord {
	t.mu.Lock()
	ids := make([]LaneID, 0, len(t.lanes))
	for id := range t.lanes {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	slices.Sort(ids)

	var out []*record.TestRecord
	for _, id := range ids {
		out = append(out, t.Abandon(id, at)...)
	}

	return out
}

// AttributeQuery appends ev to the innermost active test of the ctx lane, or
// counts it as unattributed.
func (t *Tracker) AttributeQuery(ctx context.Context, ev record.QueryEvent) {
	laneID, ok := LaneFrom(ctx)
	if !ok {
		t.unattributedQueries.Add(1)

		return
	}

	l := t.acquire(laneID, false)
	if l == nil {
		t.unattributedQueries.Add(1)

		return
	}
	defer l.mu.Unlock()

	tc := l.top()
	if tc == nil {
		t.unattributedQueries.Add(1)

		return
	}

	tc.queries = append(tc.queries, ev)
}

// AttributeNetwork appends ev to the innermost active test of the ctx lane,
// or counts it as unattributed.
func (t *Tracker) AttributeNetwork(ctx context.Context, ev record.NetworkEvent) {
	laneID, ok := LaneFrom(ctx)
	if !ok {
		t.unattributedNetwork.Add(1)

		return
	}

	l := t.acquire(laneID, false)
	if l == nil {
		t.unattributedNetwork.Add(1)

		return
	}
	defer l.mu.Unlock()

	tc := l.top()
	if tc == nil {
		t.unattributedNetwork.Add(1)

		return
	}

	tc.network = append(tc.network, ev)
}

// Unattributed returns the per-kind counts of events that had no active test.
func (t *Tracker) Unattributed() record.Unattributed {
	return record.Unattributed{
		Queries: t.unattributedQueries.Load(),
		Network: t.unattributedNetwork.Load(),
	}
}

// Active returns the number of open tests on lane.
func (t *Tracker) Active(laneID LaneID) int {
	l := t.acquire(laneID, false)
	if l == nil {
		return 0
	}
	defer l.mu.Unlock()

	return len(l.stack)
}

// Lanes returns the number of lanes with open tests.
func (t *Tracker) Lanes() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.lanes)
}

func (t *Tracker) convert(tc *testContext, status record.Status, at time.Time) *record.TestRecord {
	h := tc.handle

	end := at
	if end.Before(h.startedAt) {
		end = h.startedAt
	}

	return &record.TestRecord{
		ID:         h.identity,
		Status:     status,
		StartTime:  h.startedAt,
		EndTime:    end,
		DurationMS: analyzer.Milliseconds(end.Sub(h.startedAt)),
		Database:   t.analyzer.Analyze(tc.queries),
		Network:    buildNetwork(tc.network),
	}
}

func buildNetwork(events []record.NetworkEvent) record.NetworkTelemetry {
	out := record.NetworkTelemetry{
		TotalCalls: len(events),
		URLs:       make([]string, 0, len(events)),
		Calls:      make([]record.NetworkCall, 0, len(events)),
	}

	seen := make(map[string]struct{}, len(events))

	for _, ev := range events {
		if _, ok := seen[ev.URL]; !ok {
			seen[ev.URL] = struct{}{}
			out.URLs = append(out.URLs, ev.URL)
		}

		if !ev.Permitted {
			out.Blocked++
		}

		out.Calls = append(out.Calls, record.NetworkCall{
			URL:        ev.URL,
			Permitted:  ev.Permitted,
			DurationMS: analyzer.Milliseconds(ev.Duration),
			Caller:     ev.Caller,
		})
	}

	return out
}
