package netpolicy

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
)

// Mode controls whether outbound calls may proceed.
type Mode string

const (
	// ModeUnset behaves like ModePassthrough.
	ModeUnset Mode = ""

	// ModePassthrough records calls and lets them proceed.
	ModePassthrough Mode = "passthrough"

	// ModeBlocked records calls and denies them.
	ModeBlocked Mode = "blocked"
)

// ParseMode parses a configured network mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeUnset:
		return ModeUnset, nil
	case ModePassthrough:
		return ModePassthrough, nil
	case ModeBlocked, "block":
		return ModeBlocked, nil
	default:
		return "", fmt.Errorf("unknown network mode %q", s)
	}
}

// Decision is the outcome of a policy check.
type Decision struct {
	Permit bool
}

// Policy decides whether outbound calls are permitted. It never fails: an
// unparsable URL is judged by the mode alone.
type Policy struct {
	mu         sync.RWMutex
	mode       Mode
	allowHosts map[string]struct{}
}

// New creates a Policy with the given mode. allowHosts lists host names that
// remain permitted when the mode is blocked, e.g. a local test database.
func New(mode Mode, allowHosts []string) *Policy {
	hosts := make(map[string]struct{}, len(allowHosts))
	for _, h := range allowHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}

	return &Policy{
		mode:       mode,
		allowHosts: hosts,
	}
}

// Mode returns the effective mode.
func (p *Policy) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.mode == ModeUnset {
		return ModePassthrough
	}

	return p.mode
}

// SetMode switches the mode for subsequent checks.
func (p *Policy) SetMode(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mode = mode
}

// Check classifies a call to rawURL.
func (p *Policy) Check(rawURL string) Decision {
	if p.Mode() != ModeBlocked {
		return Decision{Permit: true}
	}

	host := hostOf(rawURL)
	if host == "" {
		return Decision{Permit: false}
	}

	_, allowed := p.allowHosts[strings.ToLower(host)]

	return Decision{Permit: allowed}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil && u.Host != "" {
		return u.Hostname()
	}

	// Bare host:port targets, as seen by dialers.
	if host, _, err := net.SplitHostPort(rawURL); err == nil {
		return host
	}

	return ""
}
