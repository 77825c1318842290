package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/deemkeen/threadfed/metrics"
	"github.com/deemkeen/threadfed/util"
	"go.uber.org/zap"
)

var (
	errTooManyRedirects = errors.New("too many redirects")
	errRefusedAddress   = errors.New("refusing to connect to non-public address")
)

var activityContentTypes = map[string]bool{
	"application/activity+json": true,
	"application/ld+json":       true,
	"application/json":          true,
}

var webfingerContentTypes = map[string]bool{
	"application/jrd+json": true,
	"application/json":     true,
}

type FetcherConfig struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	// AllowInsecure permits plain http and private addresses. Tests only.
	AllowInsecure bool
}

// Fetcher performs the bounded GETs of remote documents.
type Fetcher struct {
	client  *http.Client
	cfg     FetcherConfig
	signer  *SignatureContext
	metrics metrics.Sink
	logger  *zap.Logger
}

func NewFetcher(cfg FetcherConfig, sink metrics.Sink, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := NewGuardedClient(cfg.Timeout, cfg.AllowInsecure)
	return &Fetcher{client: client, cfg: cfg, metrics: sink, logger: logger.With(zap.String("component", "fetcher"))}
}

// NewGuardedClient returns the client used for every request to a remote
// server: it refuses non-public addresses and plain http, and follows at
// most one redirect. allowInsecure lifts the address and scheme checks.
func NewGuardedClient(timeout time.Duration, allowInsecure bool) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if !allowInsecure {
		dialer.Control = guardDial
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 1 {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "https" && !allowInsecure {
				return fmt.Errorf("%w: redirect to %s", errRefusedAddress, req.URL.Scheme)
			}
			return nil
		},
	}
}

// IsRefused reports whether err came from a request the guarded client
// refused to make.
func IsRefused(err error) bool {
	return errors.Is(err, errTooManyRedirects) || errors.Is(err, errRefusedAddress)
}

// SetSigner makes every fetch a signed GET with the given key (authorized
// fetch). Call before the fetcher is shared.
func (f *Fetcher) SetSigner(sc SignatureContext) {
	f.signer = &sc
}

// FetchObject GETs an ActivityPub document.
func (f *Fetcher) FetchObject(ctx context.Context, u *url.URL) ([]byte, error) {
	return f.fetch(ctx, u, ContentType+", "+LDContentType, activityContentTypes)
}

// FetchWebfinger GETs a JRD document.
func (f *Fetcher) FetchWebfinger(ctx context.Context, u *url.URL) ([]byte, error) {
	return f.fetch(ctx, u, "application/jrd+json, application/json", webfingerContentTypes)
}

func (f *Fetcher) fetch(ctx context.Context, u *url.URL, accept string, allowed map[string]bool) ([]byte, error) {
	if u.Scheme != "https" && !(f.cfg.AllowInsecure && u.Scheme == "http") {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPayload, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", util.UserAgent())
	if f.signer != nil {
		if err := Sign(req, nil, *f.signer); err != nil {
			f.logger.Warn("failed to sign fetch", zap.Error(err))
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.FetchCompleted(metrics.ClassifyStatus(0, err), time.Since(start))
		return nil, classifyTransportError(u, err)
	}
	defer resp.Body.Close()
	f.metrics.FetchCompleted(metrics.ClassifyStatus(resp.StatusCode, nil), time.Since(start))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s returned %d", ErrNotFound, u, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s returned %d", ErrRemoteUnreachable, u, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: %s returned %d", ErrInvalidPayload, u, resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !allowed[mediaType] {
		return nil, fmt.Errorf("%w: %s has content type %q", ErrInvalidPayload, u, resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, classifyTransportError(u, err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidPayload, u, f.cfg.MaxBodyBytes)
	}
	return body, nil
}

func classifyTransportError(u *url.URL, err error) error {
	if IsRefused(err) {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, u, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrRemoteUnreachable, u, err)
}

// guardDial refuses loopback, private and link-local destinations so a remote
// reference cannot point us at internal services.
func guardDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: %s", errRefusedAddress, address)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("%w: %s", errRefusedAddress, address)
	}
	return nil
}
