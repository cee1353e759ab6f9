package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	bucketSweepInterval = 5 * time.Minute
	bucketIdleTTL       = 10 * time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientBuckets hands out one token bucket per client address. A client may
// burst its whole per-minute budget at once.
type clientBuckets struct {
	mu      sync.Mutex
	now     func() time.Time
	limit   rate.Limit
	burst   int
	buckets map[string]*clientBucket
}

func newClientBuckets(requestsPerMinute int, now func() time.Time) *clientBuckets {
	return &clientBuckets{
		now:     now,
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
		buckets: make(map[string]*clientBucket, 64),
	}
}

// take consumes one token for client. When the bucket is empty it returns
// false and how long until a token is available.
func (b *clientBuckets) take(client string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	bucket, ok := b.buckets[client]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.buckets[client] = bucket
	}

	bucket.lastSeen = now

	res := bucket.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)

		return false, delay
	}

	return true, 0
}

// sweep drops buckets idle for longer than ttl and reports how many remain.
func (b *clientBuckets) sweep(ttl time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-ttl)

	for client, bucket := range b.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(b.buckets, client)
		}
	}

	return len(b.buckets)
}

func (b *clientBuckets) sweepUntil(done <-chan struct{}) {
	ticker := time.NewTicker(bucketSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep(bucketIdleTTL)
		case <-done:
			return
		}
	}
}

// rateLimitMiddleware limits each client to requestsPerMinute on the routes
// it wraps. Rejected requests get 429 with a Retry-After hint.
func (s *server) rateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	buckets := newClientBuckets(requestsPerMinute, time.Now)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		buckets.sweepUntil(s.done)
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := buckets.take(extractIP(r))
			if !ok {
				w.Header().Set("Retry-After", retryAfterSeconds(wait))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}

	return strconv.Itoa(secs)
}

// extractIP returns the client address, preferring the first hop of
// X-Forwarded-For.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
