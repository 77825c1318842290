package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/domain"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// Store is what the served documents are read from.
type Store interface {
	activitypub.RenderStore
	ReadLocalPersonByName(ctx context.Context, name string) (domain.Person, error)
	ReadLocalCommunityByName(ctx context.Context, name string) (domain.Community, error)
	ReadPrivateMessageById(ctx context.Context, id int64) (domain.PrivateMessage, error)
	CountCommunityFollowers(ctx context.Context, communityId int64) (int, error)
}

// Inbox applies one signed inbound activity.
type Inbox interface {
	Receive(ctx context.Context, req *http.Request, body []byte) error
}

type Config struct {
	Addr        string
	LocalDomain string

	InboxMaxBody   int64
	InboxRateLimit float64
	InboxRateBurst int

	// Metrics is served at /metrics when set.
	Metrics prometheus.Gatherer
}

func (c *Config) setDefaults() {
	if c.InboxMaxBody <= 0 {
		c.InboxMaxBody = 1 << 20
	}
	if c.InboxRateLimit <= 0 {
		c.InboxRateLimit = 10
	}
	if c.InboxRateBurst <= 0 {
		c.InboxRateBurst = 20
	}
}

// Server serves the federation endpoints: inboxes, the documents remote
// servers fetch from us and webfinger.
type Server struct {
	cfg      Config
	store    Store
	inbox    Inbox
	renderer *activitypub.Renderer
	limiter  *RateLimiter
	engine   *gin.Engine
	logger   *zap.Logger
}

func NewServer(store Store, inbox Inbox, cfg Config, logger *zap.Logger) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		inbox:    inbox,
		renderer: activitypub.NewRenderer(store, cfg.LocalDomain),
		limiter:  NewRateLimiter(rate.Limit(cfg.InboxRateLimit), cfg.InboxRateBurst),
		logger:   logger.With(zap.String("component", "web")),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), LoggerMiddleware(s.logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	inboxGuards := []gin.HandlerFunc{RateLimitMiddleware(s.limiter), MaxBytesMiddleware(s.cfg.InboxMaxBody)}

	g.POST(activitypub.SharedInboxPath, append(inboxGuards, s.handleSharedInbox)...)
	g.POST("/u/:name/inbox", append(inboxGuards, s.handlePersonInbox)...)
	g.POST("/c/:name/inbox", append(inboxGuards, s.handleCommunityInbox)...)

	g.GET("/u/:name", s.handlePerson)
	g.GET("/c/:name", s.handleCommunity)
	g.GET("/c/:name/followers", s.handleFollowers)
	g.GET("/post/:id", s.handlePost)
	g.GET("/comment/:id", s.handleComment)
	g.GET("/private_message/:id", s.handlePrivateMessage)
	g.GET("/.well-known/webfinger", s.handleWebfinger)

	if s.cfg.Metrics != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Metrics, promhttp.HandlerOpts{})))
	}
	return g
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.Run(ctx)

	serveErr := make(chan error, 1)
	s.logger.Info("listening", zap.String("addr", s.cfg.Addr), zap.String("domain", s.cfg.LocalDomain))
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
