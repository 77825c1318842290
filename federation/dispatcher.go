package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/domain"
	"github.com/deemkeen/threadfed/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrDispatchQueueFull = errors.New("dispatch queue full")
	ErrInvalidIntent     = errors.New("invalid intent")
)

// Store is what the dispatcher reads to build and address activities, and
// where it persists delivery tasks.
type Store interface {
	activitypub.RenderStore
	ReadCommunityFollowerInboxes(ctx context.Context, communityId int64) ([]string, error)
	EnqueueDeliveries(ctx context.Context, tasks []domain.DeliveryTask) error
}

// Enqueuer hands persisted tasks to delivery workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, tasks ...domain.DeliveryTask) error
}

type DispatcherConfig struct {
	LocalDomain string
	QueueSize   int
}

// Dispatcher turns intents into signed delivery tasks. Submit never blocks;
// a single Run loop consumes intents in submission order.
type Dispatcher struct {
	queue    chan domain.Intent
	store    Store
	builder  *builder
	audience *audience
	pool     Enqueuer

	metrics metrics.Sink
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewDispatcher(store Store, resolver ActorResolver, pool Enqueuer, cfg DispatcherConfig, sink metrics.Sink, logger *zap.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sink.QueueCapacitySet(cfg.QueueSize)
	return &Dispatcher{
		queue:    make(chan domain.Intent, cfg.QueueSize),
		store:    store,
		builder:  &builder{store: store, renderer: activitypub.NewRenderer(store, cfg.LocalDomain), host: cfg.LocalDomain},
		audience: &audience{store: store, resolver: resolver, host: cfg.LocalDomain},
		pool:     pool,
		metrics:  sink,
		logger:   logger.With(zap.String("component", "dispatcher")),
		tracer:   otel.Tracer("github.com/deemkeen/threadfed/federation"),
		now:      time.Now,
	}
}

// Submit queues an intent for federation. It returns ErrDispatchQueueFull
// instead of waiting when the queue is full.
func (d *Dispatcher) Submit(in domain.Intent) error {
	if err := validate(in); err != nil {
		d.metrics.IntentRejected(metrics.ReasonInvalidIntent)
		return err
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = d.now()
	}

	select {
	case d.queue <- in:
		d.metrics.IntentSubmitted(string(in.Kind))
		d.metrics.QueueSizeUpdate(len(d.queue))
		return nil
	default:
		d.metrics.IntentRejected(metrics.ReasonQueueFull)
		d.logger.Warn("dispatch queue full, intent rejected", zap.String("kind", string(in.Kind)), zap.String("object", in.Object.APID()))
		return ErrDispatchQueueFull
	}
}

func validate(in domain.Intent) error {
	if in.Actor == nil {
		return fmt.Errorf("%w: no actor", ErrInvalidIntent)
	}
	if !in.Actor.IsLocal() {
		return fmt.Errorf("%w: actor %s is not local", ErrInvalidIntent, in.Actor.APID())
	}
	if in.Object == nil {
		return fmt.Errorf("%w: no object", ErrInvalidIntent)
	}

	switch in.Kind {
	case domain.IntentCreate, domain.IntentUpdate, domain.IntentDelete, domain.IntentRemove,
		domain.IntentFollow, domain.IntentUnfollow:
	case domain.IntentVote:
		if in.Score < -1 || in.Score > 1 {
			return fmt.Errorf("%w: vote score %d", ErrInvalidIntent, in.Score)
		}
	case domain.IntentAcceptFollow:
		if in.FollowID == "" {
			return fmt.Errorf("%w: accept without follow id", ErrInvalidIntent)
		}
	case domain.IntentAnnounce:
		if _, ok := in.Actor.(domain.Community); !ok || len(in.Activity) == 0 {
			return fmt.Errorf("%w: announce needs a community and an activity", ErrInvalidIntent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, in.Kind)
	}
	return nil
}

// Run consumes intents until ctx is cancelled, then drains what is buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", zap.Int("capacity", cap(d.queue)))
	for {
		if ctx.Err() != nil {
			d.drain()
			return
		}
		select {
		case <-ctx.Done():
			d.drain()
			return
		case in := <-d.queue:
			d.metrics.QueueSizeUpdate(len(d.queue))
			d.dispatch(ctx, in)
		}
	}
}

// DrainTimeout is the maximum time to spend on buffered intents during
// shutdown.
const DrainTimeout = 30 * time.Second

func (d *Dispatcher) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			d.logger.Warn("drain timeout", zap.Int("processed", count), zap.Int("left", len(d.queue)))
			return
		case in := <-d.queue:
			d.dispatch(drainCtx, in)
			count++
		default:
			if count > 0 {
				d.logger.Info("drain complete", zap.Int("processed", count))
			}
			return
		}
	}
}

// dispatch builds, addresses and persists one intent. Failures drop the
// intent; the handler that submitted it has long moved on.
func (d *Dispatcher) dispatch(ctx context.Context, in domain.Intent) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch", trace.WithAttributes(
		attribute.String("intent_id", in.ID.String()),
		attribute.String("kind", string(in.Kind)),
		attribute.String("object", in.Object.APID()),
	))
	defer span.End()

	drop := func(reason string, err error) {
		d.metrics.IntentDropped(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		d.logger.Error("dropping intent",
			zap.String("intent", in.ID.String()),
			zap.String("kind", string(in.Kind)),
			zap.String("object", in.Object.APID()),
			zap.String("reason", reason),
			zap.Error(err))
	}

	b, err := d.builder.build(ctx, in)
	if err != nil {
		drop(metrics.ReasonBuild, err)
		return
	}
	inboxes, err := d.audience.inboxes(ctx, in, b)
	if err != nil {
		drop(metrics.ReasonAudience, err)
		return
	}
	if len(inboxes) == 0 {
		d.logger.Debug("no remote audience", zap.String("activity", b.activity.ID))
		return
	}

	payload, err := json.Marshal(b.activity)
	if err != nil {
		drop(metrics.ReasonBuild, err)
		return
	}
	digest := activitypub.Digest(payload)

	now := d.now()
	tasks := make([]domain.DeliveryTask, 0, len(inboxes))
	for _, inbox := range inboxes {
		tasks = append(tasks, domain.DeliveryTask{
			ID:            uuid.New(),
			IntentID:      in.ID,
			InboxURL:      inbox,
			ActivityID:    b.activity.ID,
			Payload:       payload,
			Digest:        digest,
			SignerApID:    b.signer.APID(),
			NextAttemptAt: now,
			Status:        domain.DeliveryPending,
			CreatedAt:     now,
		})
	}
	if err := d.store.EnqueueDeliveries(ctx, tasks); err != nil {
		drop(metrics.ReasonPersist, err)
		return
	}
	span.SetAttributes(attribute.Int("inboxes", len(tasks)))

	if err := d.pool.Enqueue(ctx, tasks...); err != nil {
		d.logger.Warn("tasks left for recovery", zap.String("activity", b.activity.ID), zap.Error(err))
		return
	}
	d.logger.Debug("intent dispatched", zap.String("activity", b.activity.ID), zap.Int("inboxes", len(tasks)))
}
