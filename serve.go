package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/federation"
	"github.com/deemkeen/threadfed/metrics"
	"github.com/deemkeen/threadfed/util"
	"github.com/deemkeen/threadfed/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server",
		Long: `Serve inboxes and actor documents, resolve remote objects and deliver
outbound activities until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, env)
		},
	}
}

func serve(ctx context.Context, env *environment) error {
	conf, logger := env.conf, env.logger
	logger.Info("starting", zap.String("version", util.GetVersion()), zap.String("domain", conf.Conf.Domain))

	shutdownTelemetry, err := util.SetupTelemetry(ctx, conf)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(reg, logger)

	resolver, closeCache, err := buildResolver(ctx, env, sink)
	if err != nil {
		return err
	}
	defer closeCache()

	sender := federation.NewHTTPSender(activitypub.NewGuardedClient(conf.Delivery.AttemptTimeout, false), federation.SenderConfig{
		UserAgent: util.UserAgent(),
		HostRate:  conf.Delivery.HostRate,
		HostBurst: conf.Delivery.HostBurst,
	})
	pool := federation.NewPool(env.store, sender, federation.PoolConfig{
		Workers:          conf.Delivery.Workers,
		ShardSize:        conf.Delivery.ShardSize,
		AttemptTimeout:   conf.Delivery.AttemptTimeout,
		BaseDelay:        conf.Delivery.BaseDelay,
		MaxDelay:         conf.Delivery.MaxDelay,
		MaxAttempts:      conf.Delivery.MaxAttempts,
		BreakerThreshold: conf.Delivery.BreakerThreshold,
		BreakerCooldown:  conf.Delivery.BreakerCooldown,
	}, sink, logger)

	dispatcher := federation.NewDispatcher(env.store, resolver, pool, federation.DispatcherConfig{
		LocalDomain: conf.Conf.Domain,
		QueueSize:   conf.Dispatch.QueueSize,
	}, sink, logger)

	verifier := activitypub.NewVerifier(resolver, conf.Inbox.SignatureWindow, logger)
	inbox := activitypub.NewInboxProcessor(env.store, resolver, verifier, dispatcher, sink, logger)

	server := web.NewServer(env.store, inbox, web.Config{
		Addr:           conf.ListenAddr(),
		LocalDomain:    conf.Conf.Domain,
		InboxMaxBody:   conf.Inbox.MaxBodyBytes,
		InboxRateLimit: conf.Inbox.RateLimit,
		InboxRateBurst: conf.Inbox.RateBurst,
		Metrics:        reg,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	pool.Start(gctx)
	recovered, err := pool.Recover(gctx)
	if err != nil {
		logger.Error("failed to recover pending deliveries", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("recovered pending deliveries", zap.Int("count", recovered))
	}

	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sender.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		pruneReceived(gctx, env, conf.Inbox.DedupeRetention)
		return nil
	})

	err = g.Wait()
	pool.Wait()
	logger.Info("stopped")
	return err
}

// buildResolver wires the fetcher and the configured cache backend. The
// returned func releases the cache.
func buildResolver(ctx context.Context, env *environment, sink metrics.Sink) (*activitypub.Resolver, func(), error) {
	conf, logger := env.conf, env.logger

	fetcher := activitypub.NewFetcher(activitypub.FetcherConfig{
		Timeout:      conf.Resolver.FetchTimeout,
		MaxBodyBytes: conf.Resolver.MaxBodyBytes,
	}, sink, logger)
	if name := conf.Resolver.SigningActor; name != "" {
		signer, err := env.store.ReadLocalSigner(ctx, activitypub.PersonURL(conf.Conf.Domain, name))
		if err != nil {
			return nil, nil, fmt.Errorf("signing actor %q: %w", name, err)
		}
		sc, err := activitypub.NewSignatureContext(signer)
		if err != nil {
			return nil, nil, fmt.Errorf("signing actor %q: %w", name, err)
		}
		fetcher.SetSigner(sc)
	}

	var cache activitypub.Cache
	closeCache := func() {}
	switch conf.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: conf.Cache.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis at %s: %w", conf.Cache.RedisAddr, err)
		}
		cache = activitypub.NewRedisCache(client, logger)
		closeCache = func() { client.Close() }
	default:
		cache = activitypub.NewMemoryCache(conf.Cache.MaxEntries)
	}

	resolver := activitypub.NewResolver(env.store, cache, fetcher, activitypub.ResolverConfig{
		LocalDomain:   conf.Conf.Domain,
		ActorTTL:      conf.Resolver.ActorTTL,
		ContentTTL:    conf.Resolver.ContentTTL,
		NegativeTTL:   conf.Resolver.NegativeTTL,
		MaxDepth:      conf.Resolver.MaxDepth,
		FlightTimeout: conf.Resolver.FlightTimeout,
	}, sink, logger)
	return resolver, closeCache, nil
}

// pruneReceived forgets old inbound activity ids once per pruneInterval.
func pruneReceived(ctx context.Context, env *environment, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := env.store.PruneReceivedActivities(ctx, time.Now().Add(-retention))
			if err != nil {
				env.logger.Warn("failed to prune received activities", zap.Error(err))
				continue
			}
			if n > 0 {
				env.logger.Debug("pruned received activities", zap.Int64("count", n))
			}
		}
	}
}
