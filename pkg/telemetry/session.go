package telemetry

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/10printhello/trim-telemetry/pkg/analyzer"
	"github.com/10printhello/trim-telemetry/pkg/emitter"
	"github.com/10printhello/trim-telemetry/pkg/intercept"
	"github.com/10printhello/trim-telemetry/pkg/netpolicy"
	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/stats"
	"github.com/10printhello/trim-telemetry/pkg/tracker"
)

// maxInternalErrors bounds the internal error list carried by the summary.
const maxInternalErrors = 100

// Collector is the capability set framework adapters use.
type Collector interface {
	BeginTest(ctx context.Context, identity string) (context.Context, *Handle, error)
	EndTest(h *Handle, status record.Status) (*record.TestRecord, error)
	ObserveQuery(ctx context.Context, sql string, startedAt, endedAt time.Time)
	ObserveNetwork(ctx context.Context, url string, startedAt, endedAt time.Time, permitted bool)
	CheckNetwork(ctx context.Context, url string) netpolicy.Decision
	SetNetworkMode(mode netpolicy.Mode)
	FlushRun(exitCode *int) *record.RunSummary
}

// Config configures a Session.
type Config struct {
	SlowQueryThreshold time.Duration
	DuplicateMode      analyzer.DuplicateMode
	Thresholds         stats.Thresholds
	SampleCap          int
	SampleSeed         int64
	NetworkMode        netpolicy.Mode
	NetworkAllowHosts  []string
	Prefixed           bool
	// HostInfo adds host metadata to the run summary.
	HostInfo bool
}

type options struct {
	out   io.Writer
	now   func() time.Time
	runID string
	env   map[string]string
}

// Option customizes a Session.
type Option func(*options)

// WithOutput sets the telemetry stream destination. Without it records are
// kept in memory only.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRunID fixes the run id.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithEnvironment sets the summary environment instead of probing the host.
func WithEnvironment(env map[string]string) Option {
	return func(o *options) { o.env = env }
}

// Handle refers to a test begun through a Session.
type Handle struct {
	inner *tracker.Handle

	mu       sync.Mutex
	metadata map[string]any
}

// Identity returns the test identity.
func (h *Handle) Identity() string { return h.inner.Identity() }

// Lane returns the lane the test runs on.
func (h *Handle) Lane() tracker.LaneID { return h.inner.Lane() }

// SetMetadata attaches a key to the record's metadata section.
func (h *Handle) SetMetadata(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.metadata == nil {
		h.metadata = make(map[string]any, 4)
	}

	h.metadata[key] = value
}

func (h *Handle) snapshotMetadata() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.metadata) == 0 {
		return nil
	}

	return maps.Clone(h.metadata)
}

// Session is one telemetry run: it ties the tracker, interceptor, policy,
// aggregator and emitter together.
type Session struct {
	log logrus.FieldLogger
	cfg Config
	now func() time.Time
	env map[string]string

	runID     string
	startedAt time.Time

	tracker     *tracker.Tracker
	interceptor *intercept.Interceptor
	policy      *netpolicy.Policy
	aggregator  *stats.Aggregator
	emitter     *emitter.Emitter

	mu       sync.Mutex
	records  []*record.TestRecord
	counts   map[record.Status]int
	internal []string
	summary  *record.RunSummary
}

var (
	_ Collector          = (*Session)(nil)
	_ intercept.Observer = (*Session)(nil)
)

// NewSession starts a run.
func NewSession(log logrus.FieldLogger, cfg Config, opts ...Option) *Session {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	log = log.WithField("component", "telemetry")

	startedAt := o.now()

	runID := o.runID
	if runID == "" {
		runID = NewRunID(startedAt)
	}

	tr := tracker.New(log, analyzer.New(analyzer.Config{
		SlowQueryThreshold: cfg.SlowQueryThreshold,
		DuplicateMode:      cfg.DuplicateMode,
	}))

	s := &Session{
		log:       log.WithField("run_id", runID),
		cfg:       cfg,
		now:       o.now,
		env:       o.env,
		runID:     runID,
		startedAt: startedAt,
		tracker:   tr,
		policy:    netpolicy.New(cfg.NetworkMode, cfg.NetworkAllowHosts),
		aggregator: stats.NewAggregator(stats.Config{
			Thresholds: cfg.Thresholds,
			SampleCap:  cfg.SampleCap,
			SampleSeed: cfg.SampleSeed,
		}),
		emitter: emitter.New(log, o.out, emitter.Config{Prefixed: cfg.Prefixed}),
		counts:  make(map[record.Status]int, 4),
	}

	s.interceptor = intercept.New(log, tr)

	s.log.WithField("network_mode", s.policy.Mode()).Info("Telemetry run started")

	return s
}

// NewRunID returns a run id of the form run_YYYYMMDD_HHMMSS_<ULID>.
func NewRunID(t time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy())

	return "run_" + t.UTC().Format("20060102_150405") + "_" + id.String()
}

// RunID returns the run id.
func (s *Session) RunID() string { return s.runID }

// Interceptor returns the event interceptor observation points report to.
func (s *Session) Interceptor() *intercept.Interceptor { return s.interceptor }

// Policy returns the network policy.
func (s *Session) Policy() *netpolicy.Policy { return s.policy }

// BeginTest begins a test now. See BeginTestAt.
func (s *Session) BeginTest(ctx context.Context, identity string) (context.Context, *Handle, error) {
	return s.BeginTestAt(ctx, identity, s.now())
}

// BeginTestAt begins a test at the given time. When ctx carries no lane a new
// one is allocated; the returned context must be passed to everything the
// test executes so its events are attributed to it.
func (s *Session) BeginTestAt(ctx context.Context, identity string, at time.Time) (context.Context, *Handle, error) {
	lane, ok := tracker.LaneFrom(ctx)
	if !ok {
		lane = tracker.NewLane()
		ctx = tracker.WithLane(ctx, lane)
	}

	h, err := s.begin(lane, identity, at)
	if err != nil {
		return ctx, nil, s.usage("begin test", identity, err)
	}

	return ctx, &Handle{inner: h}, nil
}

// begin opens the test under s.mu so it cannot start once FlushRun has
// abandoned the open tests.
func (s *Session) begin(lane tracker.LaneID, identity string, at time.Time) (*tracker.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.summary != nil {
		return nil, ErrRunFlushed
	}

	return s.tracker.Begin(lane, identity, at)
}

// EndTest ends a test now. See EndTestAt.
func (s *Session) EndTest(h *Handle, status record.Status) (*record.TestRecord, error) {
	return s.EndTestAt(h, status, s.now())
}

// EndTestAt ends a test, emits its record and folds it into the suite
// statistics. Misuse is reported as a *UsageError and leaves every other test
// untouched.
func (s *Session) EndTestAt(h *Handle, status record.Status, at time.Time) (rec *record.TestRecord, err error) {
	if h == nil {
		return nil, s.usage("end test", "", tracker.ErrUnknownHandle)
	}

	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("ending %q: internal failure: %v", h.Identity(), r)
			s.recordInternal(err.Error())
		}
	}()

	rec, err = s.end(h, status, at)
	if err != nil {
		return nil, s.usage("end test", h.Identity(), err)
	}

	return rec, nil
}

// end closes and records the test under s.mu, so no record is written after
// the run summary.
func (s *Session) end(h *Handle, status record.Status, at time.Time) (*record.TestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.summary != nil {
		return nil, ErrRunFlushed
	}

	rec, err := s.tracker.End(h.inner, status, at)
	if err != nil {
		return nil, err
	}

	s.completeLocked(rec, h.snapshotMetadata())

	return rec, nil
}

// AbortLane closes every open test on the ctx lane with status error.
func (s *Session) AbortLane(ctx context.Context) []*record.TestRecord {
	lane, ok := tracker.LaneFrom(ctx)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.tracker.Abandon(lane, s.now())

	for _, rec := range recs {
		s.completeLocked(rec, nil)
	}

	return recs
}

// ObserveQuery reports an executed statement.
func (s *Session) ObserveQuery(ctx context.Context, sql string, startedAt, endedAt time.Time) {
	s.interceptor.ObserveQuery(ctx, sql, startedAt, endedAt)
}

// ObserveNetwork reports an attempted outbound call.
func (s *Session) ObserveNetwork(ctx context.Context, url string, startedAt, endedAt time.Time, permitted bool) {
	s.interceptor.ObserveNetwork(ctx, url, startedAt, endedAt, permitted)
}

// CheckNetwork asks the network policy whether a call may proceed. A denied
// attempt is recorded here, against the ctx lane and with its call site; the
// caller turns it into an error. Permitted calls are reported through
// ObserveNetwork once they complete.
func (s *Session) CheckNetwork(ctx context.Context, url string) netpolicy.Decision {
	d := s.policy.Check(url)
	if !d.Permit {
		s.interceptor.ObserveDenied(ctx, url, s.now(), intercept.Caller())
	}

	return d
}

// SetNetworkMode switches the network policy mode.
func (s *Session) SetNetworkMode(mode netpolicy.Mode) {
	s.policy.SetMode(mode)
	s.log.WithField("network_mode", s.policy.Mode()).Debug("Network mode changed")
}

// Records returns the completed records in completion order.
func (s *Session) Records() []*record.TestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*record.TestRecord, len(s.records))
	copy(out, s.records)

	return out
}

// FlushRun closes tests still open as error, emits the run summary and
// returns it. exitCode overrides the derived exit code when non-nil. Later
// calls return the first summary.
func (s *Session) FlushRun(exitCode *int) *record.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.summary != nil {
		return s.summary
	}

	now := s.now()

	for _, rec := range s.tracker.AbandonAll(now) {
		s.completeLocked(rec, nil)
	}

	sum := &record.RunSummary{
		SchemaVersion: record.SchemaVersion,
		Type:          record.TypeRunSummary,
		RunID:         s.runID,
		StartTime:     s.startedAt,
		EndTime:       now,
		TotalTests:    len(s.records),
		PassedTests:   s.counts[record.StatusPassed],
		FailedTests:   s.counts[record.StatusFailed],
		ErrorTests:    s.counts[record.StatusError],
		SkippedTests:  s.counts[record.StatusSkipped],
		Duration:      s.aggregator.Snapshot(),
		Unattributed:  s.tracker.Unattributed(),
		Environment:   s.environment(),
	}

	if sum.FailedTests > 0 || sum.ErrorTests > 0 {
		sum.ExitCode = 1
	}

	if exitCode != nil {
		sum.ExitCode = *exitCode
	}

	errs := make([]string, 0, len(s.internal))
	errs = append(errs, s.internal...)
	errs = append(errs, s.interceptor.Failures()...)
	errs = append(errs, s.emitter.Messages()...)

	if len(errs) > maxInternalErrors {
		errs = errs[:maxInternalErrors]
	}

	sum.Internal = record.Internal{
		InterceptorErrors: s.interceptor.Errors(),
		EmitterWarnings:   s.emitter.Warnings(),
		IOFailures:        s.emitter.IOFailures(),
		Errors:            errs,
	}

	s.emitter.EmitSummary(sum)
	s.summary = sum

	s.log.WithFields(logrus.Fields{
		"total":   sum.TotalTests,
		"passed":  sum.PassedTests,
		"failed":  sum.FailedTests,
		"errors":  sum.ErrorTests,
		"skipped": sum.SkippedTests,
	}).Info("Telemetry run flushed")

	return sum
}

func (s *Session) environment() map[string]string {
	if s.env != nil {
		return maps.Clone(s.env)
	}

	if !s.cfg.HostInfo {
		return nil
	}

	return HostInfo(context.Background(), s.log)
}

// completeLocked fills run level fields, derives performance flags and emits
// rec. s.mu must be held.
func (s *Session) completeLocked(rec *record.TestRecord, metadata map[string]any) {
	id := ParseIdentity(rec.ID)

	rec.SchemaVersion = record.SchemaVersion
	rec.Type = record.TypeTestResult
	rec.RunID = s.runID
	rec.Name = id.Name
	rec.Class = id.Class
	rec.Module = id.Module
	rec.File = id.File
	rec.Metadata = metadata

	flags, pct := s.aggregator.Ingest(rec)
	rec.Performance = performance(rec, flags, pct)

	s.records = append(s.records, rec)
	s.counts[rec.Status]++
	s.emitter.EmitRecord(rec)

	s.log.WithFields(logrus.Fields{
		"test":        rec.ID,
		"status":      rec.Status,
		"duration_ms": rec.DurationMS,
		"queries":     rec.Database.Count,
	}).Debug("Test completed")
}

func performance(rec *record.TestRecord, f stats.Flags, pct stats.Percentiles) record.Performance {
	out := record.Performance{
		IsSlow:          f.IsSlow,
		IsVerySlow:      f.IsVerySlow,
		IsDBHeavy:       f.IsDBHeavy,
		HighDBQueries:   f.HighDBQueries,
		PotentialNPlus1: f.PotentialNPlus1,
		Flags:           make([]string, 0, 4),
	}

	if pct.OK {
		out.P50DurationMS = record.Int64(analyzer.Milliseconds(pct.P50))
		out.P95DurationMS = record.Int64(analyzer.Milliseconds(pct.P95))
		out.P99DurationMS = record.Int64(analyzer.Milliseconds(pct.P99))
	}

	switch {
	case f.IsVerySlow:
		out.Flags = append(out.Flags, "very_slow")
	case f.IsSlow:
		out.Flags = append(out.Flags, "slow")
	}

	switch {
	case f.HighDBQueries:
		out.Flags = append(out.Flags, "high_db_queries")
	case f.ModerateDBQueries:
		out.Flags = append(out.Flags, "moderate_db_queries")
	}

	if f.PotentialNPlus1 {
		out.Flags = append(out.Flags, "potential_n_plus_1")
	}

	if rec.Network.Blocked > 0 {
		out.Flags = append(out.Flags, "network_calls_blocked")
	}

	switch rec.Status {
	case record.StatusFailed, record.StatusError:
		out.Flags = append(out.Flags, "test_failed")
	case record.StatusSkipped:
		out.Flags = append(out.Flags, "test_skipped")
	}

	return out
}

func (s *Session) usage(op, identity string, err error) error {
	uerr := &UsageError{Op: op, Identity: identity, Err: err}
	s.recordInternal(uerr.Error())
	s.log.WithError(err).WithField("test", identity).Warn("Telemetry usage error")

	return uerr
}

func (s *Session) recordInternal(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.internal) < maxInternalErrors {
		s.internal = append(s.internal, msg)
	}
}
