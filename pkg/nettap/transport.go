package nettap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/10printhello/trim-telemetry/pkg/intercept"
	"github.com/10printhello/trim-telemetry/pkg/netpolicy"
)

// ErrBlocked is returned for requests denied by the network policy.
var ErrBlocked = errors.New("outbound network call blocked during test")

// Checker decides whether an outbound call may proceed and records the
// attempts it denies.
type Checker interface {
	CheckNetwork(ctx context.Context, url string) netpolicy.Decision
}

// Transport is an http.RoundTripper that consults a Checker before every
// request. Denied requests are recorded by the Checker; permitted ones are
// reported to the Observer once they complete. The request context carries
// the lane the call is attributed to.
type Transport struct {
	base    http.RoundTripper
	checker Checker
	obs     intercept.Observer
}

var _ http.RoundTripper = (*Transport)(nil)

// New wraps base. A nil base uses http.DefaultTransport.
func New(base http.RoundTripper, checker Checker, obs intercept.Observer) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	return &Transport{
		base:    base,
		checker: checker,
		obs:     obs,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	url := req.URL.String()
	start := time.Now()

	if !t.checker.CheckNetwork(ctx, url).Permit {
		if req.Body != nil {
			_ = req.Body.Close()
		}

		return nil, fmt.Errorf("%s %s: %w", req.Method, url, ErrBlocked)
	}

	resp, err := t.base.RoundTrip(req)
	t.obs.ObserveNetwork(ctx, url, start, time.Now(), true)

	return resp, err
}

// Client returns an http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}
