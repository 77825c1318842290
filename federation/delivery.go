package federation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/deemkeen/threadfed/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DeliveryStore persists delivery progress.
type DeliveryStore interface {
	ReadLocalSigner(ctx context.Context, apID string) (domain.Actor, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error
	// MarkDeliveryFailed reports whether this call moved the task out of
	// pending.
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) (bool, error)
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
	ReadPendingDeliveries(ctx context.Context, limit int) ([]domain.DeliveryTask, error)
}

type PoolConfig struct {
	Workers        int
	ShardSize      int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	// BreakerThreshold consecutive transient failures open a host's
	// breaker for BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RecoverLimit     int
}

func (c *PoolConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.ShardSize <= 0 {
		c.ShardSize = 256
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 6 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 5 * time.Minute
	}
	if c.RecoverLimit <= 0 {
		c.RecoverLimit = 10000
	}
}

// Pool delivers tasks with a fixed set of workers. Each worker owns one FIFO
// shard and tasks are routed by destination inbox. Tasks for one inbox wait
// in a queue behind its head until the head is delivered or has failed for
// good, so deliveries to one inbox happen in the order they were enqueued
// even across retries.
type Pool struct {
	cfg     PoolConfig
	store   DeliveryStore
	sender  Sender
	breaker *breaker
	shards  []chan domain.DeliveryTask

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	// queues holds the unfinished tasks of each inbox in enqueue order. Only
	// the head is routed to a worker or waiting to retry.
	queues map[string][]domain.DeliveryTask
	runCtx context.Context

	wg      sync.WaitGroup
	metrics metrics.Sink
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewPool(store DeliveryStore, sender Sender, cfg PoolConfig, sink metrics.Sink, logger *zap.Logger) *Pool {
	cfg.setDefaults()
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	shards := make([]chan domain.DeliveryTask, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan domain.DeliveryTask, cfg.ShardSize)
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		shards:   shards,
		inFlight: make(map[uuid.UUID]struct{}),
		queues:   make(map[string][]domain.DeliveryTask),
		runCtx:   context.Background(),
		metrics:  sink,
		logger:   logger.With(zap.String("component", "delivery")),
		tracer:   otel.Tracer("github.com/deemkeen/threadfed/federation"),
		now:      time.Now,
	}
}

// Start launches the workers. They stop when ctx is cancelled; tasks still
// queued stay pending in the store for Recover.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	p.logger.Info("starting delivery workers", zap.Int("workers", len(p.shards)))
	for _, shard := range p.shards {
		p.wg.Add(1)
		go p.work(ctx, shard)
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Enqueue queues tasks behind earlier tasks for the same inbox and hands
// new queue heads to their workers, waiting while a shard is full. Tasks
// already in flight are skipped. The tasks must already be persisted.
func (p *Pool) Enqueue(ctx context.Context, tasks ...domain.DeliveryTask) error {
	for _, task := range tasks {
		head, ok := p.push(task)
		if !ok || !head {
			continue
		}
		if err := p.activate(ctx, task); err != nil {
			p.done(task)
			return err
		}
	}
	return nil
}

// Recover re-enqueues pending tasks left by a previous run. Call it after
// Start.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	tasks, err := p.store.ReadPendingDeliveries(ctx, p.cfg.RecoverLimit)
	if err != nil {
		return 0, fmt.Errorf("read pending deliveries: %w", err)
	}
	n := 0
	for _, task := range tasks {
		head, ok := p.push(task)
		if !ok {
			continue
		}
		n++
		if !head {
			continue
		}
		if err := p.activate(ctx, task); err != nil {
			p.done(task)
			return n, err
		}
	}
	if n > 0 {
		p.logger.Info("recovered pending deliveries", zap.Int("count", n))
	}
	return n, nil
}

// InFlight returns the number of tasks queued, running or waiting to retry.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// push appends task to its inbox queue. ok is false for a task already in
// flight; head reports whether the task is first in its queue.
func (p *Pool) push(task domain.DeliveryTask) (head, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.inFlight[task.ID]; dup {
		return false, false
	}
	p.inFlight[task.ID] = struct{}{}
	q := append(p.queues[task.InboxURL], task)
	p.queues[task.InboxURL] = q
	return len(q) == 1, true
}

// done removes a delivered or terminally failed task from its queue and
// starts the next task for the same inbox.
func (p *Pool) done(task domain.DeliveryTask) {
	p.mu.Lock()
	delete(p.inFlight, task.ID)
	q := p.queues[task.InboxURL]
	for i := range q {
		if q[i].ID == task.ID {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	var next domain.DeliveryTask
	hasNext := len(q) > 0
	if hasNext {
		p.queues[task.InboxURL] = q
		next = q[0]
	} else {
		delete(p.queues, task.InboxURL)
	}
	ctx := p.runCtx
	p.mu.Unlock()

	if !hasNext || ctx.Err() != nil {
		return
	}
	// route may block on the calling worker's own shard
	go func() {
		if err := p.activate(ctx, next); err != nil {
			p.logger.Debug("queued delivery left pending", zap.String("id", next.ID.String()), zap.Error(err))
		}
	}()
}

// activate hands a queue head to its worker once its next attempt is due.
func (p *Pool) activate(ctx context.Context, task domain.DeliveryTask) error {
	if wait := task.NextAttemptAt.Sub(p.now()); wait > 0 {
		p.schedule(task, wait)
		return nil
	}
	return p.route(ctx, task)
}

func (p *Pool) route(ctx context.Context, task domain.DeliveryTask) error {
	h := fnv.New32a()
	h.Write([]byte(task.InboxURL))
	shard := p.shards[h.Sum32()%uint32(len(p.shards))]

	select {
	case shard <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule routes a queue head again after wait. The head keeps its place,
// so later tasks for the inbox keep waiting.
func (p *Pool) schedule(task domain.DeliveryTask, wait time.Duration) {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()

	time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		if err := p.route(ctx, task); err != nil {
			p.logger.Debug("scheduled delivery left pending", zap.String("id", task.ID.String()), zap.Error(err))
		}
	})
}

func (p *Pool) work(ctx context.Context, shard <-chan domain.DeliveryTask) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-shard:
			p.attempt(ctx, task)
		}
	}
}

func (p *Pool) attempt(ctx context.Context, task domain.DeliveryTask) {
	p.metrics.DeliveriesInFlightIncr()
	defer p.metrics.DeliveriesInFlightDecr()

	attempt := task.Attempts + 1
	ctx, span := p.tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("inbox", task.InboxURL),
		attribute.String("activity_id", task.ActivityID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	host := hostOf(task.InboxURL)
	if err := p.breaker.allow(host); err != nil {
		p.metrics.BreakerRejected()
		p.retry(ctx, task, attempt, err.Error())
		return
	}

	signer, err := p.store.ReadLocalSigner(ctx, task.SignerApID)
	if errors.Is(err, db.ErrNotFound) {
		p.fail(ctx, task, attempt, "signer no longer exists")
		return
	}
	if err != nil {
		p.retry(ctx, task, attempt, fmt.Sprintf("load signer: %v", err))
		return
	}
	sc, err := activitypub.NewSignatureContext(signer)
	if err != nil {
		p.fail(ctx, task, attempt, fmt.Sprintf("signer key: %v", err))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	res := p.sender.Send(attemptCtx, task, sc)
	cancel()

	if ctx.Err() != nil {
		// shutting down; the row stays pending
		return
	}
	p.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(res.StatusCode, res.Err), res.Duration)

	switch {
	case res.IsSuccess():
		p.breaker.recordSuccess(host)
		if err := p.store.DeleteDelivery(ctx, task.ID); err != nil {
			p.logger.Error("failed to delete delivered task", zap.String("id", task.ID.String()), zap.Error(err))
		}
		p.metrics.DeliveryOutcome(metrics.OutcomeSuccess)
		p.logger.Debug("delivered", zap.String("inbox", task.InboxURL), zap.String("activity", task.ActivityID), zap.Int("attempt", attempt))
		p.done(task)

	case !res.IsRetryable():
		p.breaker.recordSuccess(host)
		p.metrics.RetryAttempt(false)
		span.SetStatus(codes.Error, describe(res))
		p.fail(ctx, task, attempt, describe(res))

	default:
		p.breaker.recordFailure(host)
		p.metrics.RetryAttempt(true)
		span.SetStatus(codes.Error, describe(res))
		p.retry(ctx, task, attempt, describe(res))
	}
}

// retry records a transient failure and schedules the next attempt, or gives
// up once attempts are exhausted.
func (p *Pool) retry(ctx context.Context, task domain.DeliveryTask, attempts int, lastError string) {
	if attempts >= p.cfg.MaxAttempts {
		p.fail(ctx, task, attempts, lastError)
		return
	}
	wait := p.backoff(attempts)
	task.Attempts = attempts
	task.NextAttemptAt = p.now().Add(wait)
	task.LastError = lastError
	if err := p.store.UpdateDeliveryAttempt(ctx, task.ID, attempts, task.NextAttemptAt, lastError); err != nil {
		p.logger.Error("failed to record delivery attempt", zap.String("id", task.ID.String()), zap.Error(err))
	}
	p.logger.Info("delivery failed, will retry",
		zap.String("inbox", task.InboxURL),
		zap.Int("attempt", attempts),
		zap.Duration("retry_in", wait),
		zap.String("error", lastError))
	p.schedule(task, wait)
}

func (p *Pool) fail(ctx context.Context, task domain.DeliveryTask, attempts int, lastError string) {
	defer p.done(task)
	moved, err := p.store.MarkDeliveryFailed(ctx, task.ID, attempts, lastError)
	if err != nil {
		p.logger.Error("failed to mark delivery failed", zap.String("id", task.ID.String()), zap.Error(err))
		return
	}
	if !moved {
		return
	}
	p.metrics.DeliveryOutcome(metrics.OutcomeFailed)
	p.logger.Warn("giving up on delivery",
		zap.String("inbox", task.InboxURL),
		zap.String("activity", task.ActivityID),
		zap.Int("attempts", attempts),
		zap.String("error", lastError))
}

// backoff is base << (attempts-1), capped at MaxDelay.
func (p *Pool) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 32 {
		return p.cfg.MaxDelay
	}
	d := p.cfg.BaseDelay << (attempts - 1)
	if d <= 0 || d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

func describe(res Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("remote returned status %d", res.StatusCode)
}
