package federation

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/domain"
	"golang.org/x/time/rate"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	StatusCode int
	Err        error
	// Permanent marks an error no later attempt can fix, such as a malformed
	// inbox URL or a refused destination.
	Permanent bool
	Duration  time.Duration
}

func (r Result) IsSuccess() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRetryable reports whether a failed attempt may succeed later: transport
// errors, 408, 429 and 5xx.
func (r Result) IsRetryable() bool {
	if r.Err != nil {
		return !r.Permanent
	}
	return r.StatusCode == http.StatusRequestTimeout ||
		r.StatusCode == http.StatusTooManyRequests ||
		r.StatusCode >= 500
}

// Sender posts one signed activity to one inbox.
type Sender interface {
	Send(ctx context.Context, task domain.DeliveryTask, sc activitypub.SignatureContext) Result
}

type SenderConfig struct {
	UserAgent string
	// HostRate is the sustained requests per second allowed per destination
	// host; zero disables limiting.
	HostRate  float64
	HostBurst int
}

// limiterIdle is how long a host's limiter is kept after its last use.
const limiterIdle = 10 * time.Minute

type hostLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// HTTPSender delivers over HTTP with a per-host rate limit.
type HTTPSender struct {
	client    *http.Client
	userAgent string
	limit     rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*hostLimiter
	now      func() time.Time
}

// NewHTTPSender uses client for deliveries; nil means the guarded client
// the fetcher uses, with a 30s timeout.
func NewHTTPSender(client *http.Client, cfg SenderConfig) *HTTPSender {
	if client == nil {
		client = activitypub.NewGuardedClient(30*time.Second, false)
	}
	if cfg.HostBurst <= 0 {
		cfg.HostBurst = 1
	}
	limit := rate.Inf
	if cfg.HostRate > 0 {
		limit = rate.Limit(cfg.HostRate)
	}
	return &HTTPSender{
		client:    client,
		userAgent: cfg.UserAgent,
		limit:     limit,
		burst:     cfg.HostBurst,
		limiters:  make(map[string]*hostLimiter),
		now:       time.Now,
	}
}

func (s *HTTPSender) limiter(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = &hostLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[host] = l
	}
	l.lastUsed = s.now()
	return l.limiter
}

// sweep forgets limiters of hosts not delivered to for limiterIdle. By then
// their buckets are full again, so nothing is lost.
func (s *HTTPSender) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for host, l := range s.limiters {
		if now.Sub(l.lastUsed) > limiterIdle {
			delete(s.limiters, host)
		}
	}
}

// Run sweeps idle host limiters periodically until ctx ends.
func (s *HTTPSender) Run(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *HTTPSender) Send(ctx context.Context, task domain.DeliveryTask, sc activitypub.SignatureContext) Result {
	start := time.Now()

	if err := s.limiter(hostOf(task.InboxURL)).Wait(ctx); err != nil {
		return Result{Err: err, Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.InboxURL, bytes.NewReader(task.Payload))
	if err != nil {
		return Result{Err: err, Permanent: true, Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", activitypub.ContentType)
	req.Header.Set("Accept", activitypub.ContentType)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if task.Digest != "" {
		req.Header.Set("Digest", task.Digest)
	}
	if err := activitypub.Sign(req, task.Payload, sc); err != nil {
		return Result{Err: err, Permanent: true, Duration: time.Since(start)}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Err: err, Permanent: activitypub.IsRefused(err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Result{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}
