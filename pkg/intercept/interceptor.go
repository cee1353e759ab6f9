package intercept

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/10printhello/trim-telemetry/pkg/analyzer"
	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/tracker"
)

// maxFailures bounds the retained failure messages.
const maxFailures = 100

// Observer is the surface observation points report to.
type Observer interface {
	ObserveQuery(ctx context.Context, sql string, startedAt, endedAt time.Time)
	ObserveNetwork(ctx context.Context, url string, startedAt, endedAt time.Time, permitted bool)
}

// Interceptor normalizes raw events and forwards them to a sink. It holds no
// per-test state and never fails towards its caller.
type Interceptor struct {
	log  logrus.FieldLogger
	sink tracker.Sink

	errors atomic.Int64

	mu       sync.Mutex
	failures []string
}

var _ Observer = (*Interceptor)(nil)

// New creates an Interceptor forwarding to sink.
func New(log logrus.FieldLogger, sink tracker.Sink) *Interceptor {
	return &Interceptor{
		log:  log.WithField("component", "interceptor"),
		sink: sink,
	}
}

// ObserveQuery records one executed statement.
func (i *Interceptor) ObserveQuery(ctx context.Context, sql string, startedAt, endedAt time.Time) {
	defer i.guard("query")

	sql = strings.TrimSpace(sql)

	i.sink.AttributeQuery(ctx, record.QueryEvent{
		SQL:       sql,
		Kind:      analyzer.Classify(sql),
		StartedAt: startedAt,
		Duration:  elapsed(startedAt, endedAt),
	})
}

// ObserveNetwork records one attempted outbound call. Denied calls carry no
// duration.
func (i *Interceptor) ObserveNetwork(ctx context.Context, url string, startedAt, endedAt time.Time, permitted bool) {
	defer i.guard("network")

	ev := record.NetworkEvent{
		URL:       url,
		Permitted: permitted,
		StartedAt: startedAt,
	}

	if permitted {
		ev.Duration = elapsed(startedAt, endedAt)
	}

	i.sink.AttributeNetwork(ctx, ev)
}

// ObserveDenied records one outbound call refused by the network policy,
// with the code location that attempted it.
func (i *Interceptor) ObserveDenied(ctx context.Context, url string, at time.Time, caller *record.CallSite) {
	defer i.guard("network")

	i.sink.AttributeNetwork(ctx, record.NetworkEvent{
		URL:       url,
		Permitted: false,
		StartedAt: at,
		Caller:    caller,
	})
}

// Errors returns the number of internal failures so far.
func (i *Interceptor) Errors() int64 {
	return i.errors.Load()
}

// Failures returns the first internal failure messages.
func (i *Interceptor) Failures() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]string, len(i.failures))
	copy(out, i.failures)

	return out
}

func (i *Interceptor) guard(kind string) {
	r := recover()
	if r == nil {
		return
	}

	i.errors.Add(1)

	msg := fmt.Sprintf("interceptor %s: %v", kind, r)

	i.mu.Lock()
	if len(i.failures) < maxFailures {
		i.failures = append(i.failures, msg)
	}
	i.mu.Unlock()

	i.log.WithField("kind", kind).WithField("panic", r).Debug("Recovered from event failure")
}

func elapsed(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}

	d := end.Sub(start)
	if d < 0 {
		return 0
	}

	return d
}
