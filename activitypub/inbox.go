package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/deemkeen/threadfed/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InboxStore is the persistence the inbox applies activities to.
type InboxStore interface {
	InsertReceivedActivity(ctx context.Context, a domain.ReceivedActivity) (bool, error)
	DeleteReceivedActivity(ctx context.Context, apID string) error
	ReadObjectByApID(ctx context.Context, mask domain.Kind, apID string) (domain.Object, error)
	ReadPostById(ctx context.Context, id int64) (domain.Post, error)
	ReadCommunityById(ctx context.Context, id int64) (domain.Community, error)
	UpsertCommunityFollow(ctx context.Context, f domain.CommunityFollow) error
	DeleteCommunityFollowByApID(ctx context.Context, followApID string) (bool, error)
	DeleteCommunityFollow(ctx context.Context, communityId, personId int64) error
	AcceptCommunityFollow(ctx context.Context, followApID string) (bool, error)
	SetDeletedByApID(ctx context.Context, mask domain.Kind, apID string, deleted bool) (bool, error)
	SetRemovedByApID(ctx context.Context, mask domain.Kind, apID string, removed bool) (bool, error)
	UpsertVote(ctx context.Context, v domain.Vote) error
	DeleteVoteByApID(ctx context.Context, apID string) (bool, error)
	ReadVote(ctx context.Context, personId int64, objectApID string) (domain.Vote, error)
}

// Submitter accepts outbound intents. The activity dispatcher implements it.
type Submitter interface {
	Submit(intent domain.Intent) error
}

// InboxProcessor verifies and applies inbound activities.
type InboxProcessor struct {
	store     InboxStore
	resolver  *Resolver
	verifier  *Verifier
	submitter Submitter
	metrics   metrics.Sink
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewInboxProcessor(store InboxStore, resolver *Resolver, verifier *Verifier, submitter Submitter, sink metrics.Sink, logger *zap.Logger) *InboxProcessor {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxProcessor{
		store:     store,
		resolver:  resolver,
		verifier:  verifier,
		submitter: submitter,
		metrics:   sink,
		logger:    logger.With(zap.String("component", "inbox")),
		tracer:    resolver.tracer,
	}
}

// Receive authenticates and applies one activity. body is the raw request
// body; req supplies the signature headers. Duplicate deliveries are
// accepted without effect.
func (p *InboxProcessor) Receive(ctx context.Context, req *http.Request, body []byte) error {
	var act Activity
	if err := json.Unmarshal(body, &act); err != nil {
		p.metrics.InboxActivity("unknown", "invalid")
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if act.ID == "" || act.Type == "" || act.Actor.ID == "" {
		p.metrics.InboxActivity(act.Type, "invalid")
		return fmt.Errorf("%w: activity without id, type or actor", ErrInvalidPayload)
	}

	ctx, span := p.tracer.Start(ctx, "inbox.Receive", trace.WithAttributes(
		attribute.String("activity_id", act.ID),
		attribute.String("activity_type", act.Type),
	))
	defer span.End()

	actor, err := p.verifier.Verify(ctx, req, body, act.Actor.ID)
	if err != nil {
		p.metrics.InboxActivity(act.Type, "rejected")
		p.logger.Info("rejected activity", zap.String("id", act.ID), zap.String("actor", act.Actor.ID), zap.Error(err))
		return err
	}
	if !sameHost(act.ID, actor.APID()) {
		p.metrics.InboxActivity(act.Type, "rejected")
		return fmt.Errorf("%w: activity %s not hosted by %s", ErrUnauthorized, act.ID, actor.APID())
	}

	fresh, err := p.store.InsertReceivedActivity(ctx, domain.ReceivedActivity{
		ApID:       act.ID,
		ActorApID:  actor.APID(),
		Type:       act.Type,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !fresh {
		p.metrics.InboxActivity(act.Type, "duplicate")
		p.logger.Debug("duplicate activity", zap.String("id", act.ID))
		return nil
	}

	touched, err := p.apply(ctx, actor, act, false)
	if err != nil {
		p.metrics.InboxActivity(act.Type, "failed")
		// let the sender's retry through when the failure was ours or transient
		if errors.Is(err, ErrRemoteUnreachable) || errors.Is(err, ErrStorage) {
			if derr := p.store.DeleteReceivedActivity(context.WithoutCancel(ctx), act.ID); derr != nil {
				p.logger.Warn("failed to forget activity", zap.String("id", act.ID), zap.Error(derr))
			}
		}
		p.logger.Info("failed to apply activity", zap.String("id", act.ID), zap.String("type", act.Type), zap.Error(err))
		return err
	}
	p.metrics.InboxActivity(act.Type, "applied")

	if touched != nil {
		p.forward(ctx, actor, touched, body)
	}
	return nil
}

// apply performs the effect of act and returns the content object it
// touched, if any. announced is set for activities unwrapped from an
// Announce.
func (p *InboxProcessor) apply(ctx context.Context, actor domain.Actor, act Activity, announced bool) (domain.Object, error) {
	p.logger.Debug("applying activity", zap.String("id", act.ID), zap.String("type", act.Type), zap.String("actor", actor.APID()))

	switch act.Type {
	case TypeFollow:
		return nil, p.follow(ctx, actor, act)
	case TypeAccept:
		return nil, p.accept(ctx, actor, act)
	case TypeUndo:
		return p.undo(ctx, actor, act)
	case TypeCreate, TypeUpdate:
		return p.createOrUpdate(ctx, actor, act)
	case TypeDelete:
		return p.delete(ctx, actor, act.Object.ID, true)
	case TypeRemove:
		return p.remove(ctx, actor, act.Object.ID, true)
	case TypeLike, TypeDislike:
		return p.vote(ctx, actor, act)
	case TypeAnnounce:
		if announced {
			return nil, fmt.Errorf("%w: nested announce", ErrInvalidPayload)
		}
		return nil, p.announce(ctx, act)
	}
	p.logger.Debug("ignoring unsupported activity", zap.String("type", act.Type))
	return nil, nil
}

func (p *InboxProcessor) follow(ctx context.Context, actor domain.Actor, act Activity) error {
	person, ok := actor.(domain.Person)
	if !ok {
		return fmt.Errorf("%w: only persons follow communities", ErrWrongType)
	}
	target, err := p.resolver.resolveReference(ctx, act.Object.ID, domain.KindCommunity)
	if err != nil {
		return err
	}
	community := target.(domain.Community)
	if !community.Local {
		return fmt.Errorf("%w: %s is not a local community", ErrNotFound, community.ApID)
	}

	if err := p.store.UpsertCommunityFollow(ctx, domain.CommunityFollow{
		CommunityId: community.Id,
		PersonId:    person.Id,
		FollowApID:  act.ID,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	p.logger.Info("accepted follower", zap.String("community", community.Name), zap.String("follower", person.ApID))

	if p.submitter == nil {
		return nil
	}
	intent := domain.NewIntent(domain.IntentAcceptFollow, community, person)
	intent.FollowID = act.ID
	if err := p.submitter.Submit(intent); err != nil {
		p.logger.Warn("failed to submit accept", zap.String("follow", act.ID), zap.Error(err))
	}
	return nil
}

func (p *InboxProcessor) accept(ctx context.Context, actor domain.Actor, act Activity) error {
	if act.Object.Embedded() {
		var follow Activity
		if err := act.Object.Decode(&follow); err != nil {
			return fmt.Errorf("%w: accept object: %v", ErrInvalidPayload, err)
		}
		if follow.Object.ID != actor.APID() {
			return fmt.Errorf("%w: %s accepted a follow of %s", ErrUnauthorized, actor.APID(), follow.Object.ID)
		}
	}
	ok, err := p.store.AcceptCommunityFollow(ctx, act.Object.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		p.logger.Debug("accept for unknown follow", zap.String("follow", act.Object.ID))
	}
	return nil
}

func (p *InboxProcessor) undo(ctx context.Context, actor domain.Actor, act Activity) (domain.Object, error) {
	if !act.Object.Embedded() {
		// a bare id can only be matched against what it created
		if _, err := p.store.DeleteCommunityFollowByApID(ctx, act.Object.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if _, err := p.store.DeleteVoteByApID(ctx, act.Object.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return nil, nil
	}

	var inner Activity
	if err := act.Object.Decode(&inner); err != nil {
		return nil, fmt.Errorf("%w: undo object: %v", ErrInvalidPayload, err)
	}
	if inner.Actor.ID != actor.APID() {
		return nil, fmt.Errorf("%w: %s cannot undo an activity of %s", ErrUnauthorized, actor.APID(), inner.Actor.ID)
	}

	switch inner.Type {
	case TypeFollow:
		removed, err := p.store.DeleteCommunityFollowByApID(ctx, inner.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if !removed {
			return nil, p.unfollowByTarget(ctx, actor, inner.Object.ID)
		}
		return nil, nil
	case TypeLike, TypeDislike:
		removed, err := p.store.DeleteVoteByApID(ctx, inner.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if !removed {
			if err := p.unvoteByTarget(ctx, actor, inner.Object.ID); err != nil {
				return nil, err
			}
		}
		return p.readLocalCopy(ctx, inner.Object.ID)
	case TypeDelete:
		return p.delete(ctx, actor, inner.Object.ID, false)
	case TypeRemove:
		return p.remove(ctx, actor, inner.Object.ID, false)
	}
	p.logger.Debug("ignoring undo", zap.String("type", inner.Type))
	return nil, nil
}

// unfollowByTarget handles an Undo whose Follow id we never stored; some
// servers mint a fresh id for the undone activity.
func (p *InboxProcessor) unfollowByTarget(ctx context.Context, actor domain.Actor, communityID string) error {
	person, ok := actor.(domain.Person)
	if !ok || communityID == "" {
		return nil
	}
	obj, err := p.store.ReadObjectByApID(ctx, domain.KindCommunity, communityID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := p.store.DeleteCommunityFollow(ctx, obj.LocalID(), person.Id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (p *InboxProcessor) unvoteByTarget(ctx context.Context, actor domain.Actor, objectID string) error {
	person, ok := actor.(domain.Person)
	if !ok || objectID == "" {
		return nil
	}
	vote, err := p.store.ReadVote(ctx, person.Id, objectID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := p.store.DeleteVoteByApID(ctx, vote.ApID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// createOrUpdate never trusts an embedded object: the object is fetched
// again from its origin.
func (p *InboxProcessor) createOrUpdate(ctx context.Context, actor domain.Actor, act Activity) (domain.Object, error) {
	objectID := act.Object.ID
	if objectID == "" {
		return nil, fmt.Errorf("%w: %s without object", ErrInvalidPayload, act.Type)
	}
	if !sameHost(objectID, actor.APID()) {
		return nil, fmt.Errorf("%w: %s cannot %s %s", ErrUnauthorized, actor.APID(), act.Type, objectID)
	}
	if err := p.resolver.Invalidate(ctx, objectID); err != nil {
		p.logger.Warn("failed to invalidate", zap.String("ap_id", objectID), zap.Error(err))
	}

	obj, err := p.resolver.resolveReference(ctx, objectID, domain.KindAny)
	if err != nil {
		return nil, err
	}
	if domain.KindActor.Matches(obj.Kind()) {
		return nil, nil
	}
	return obj, nil
}

func (p *InboxProcessor) delete(ctx context.Context, actor domain.Actor, objectID string, deleted bool) (domain.Object, error) {
	if objectID == "" {
		return nil, fmt.Errorf("%w: delete without object", ErrInvalidPayload)
	}
	if !sameHost(objectID, actor.APID()) {
		return nil, fmt.Errorf("%w: %s cannot delete %s", ErrUnauthorized, actor.APID(), objectID)
	}
	mask := domain.KindContent
	if objectID == actor.APID() {
		mask = domain.KindActor
	}
	changed, err := p.store.SetDeletedByApID(ctx, mask, objectID, deleted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !changed {
		return nil, nil
	}
	if err := p.resolver.Invalidate(ctx, objectID); err != nil {
		p.logger.Warn("failed to invalidate", zap.String("ap_id", objectID), zap.Error(err))
	}
	if mask == domain.KindActor {
		return nil, nil
	}
	return p.readLocalCopy(ctx, objectID)
}

// remove applies a moderator removal. The actor must be the community of
// the object or live on the community's instance.
func (p *InboxProcessor) remove(ctx context.Context, actor domain.Actor, objectID string, removed bool) (domain.Object, error) {
	obj, err := p.readLocalCopy(ctx, objectID)
	if err != nil || obj == nil {
		return nil, err
	}
	community, err := p.communityOf(ctx, obj)
	if err != nil {
		return nil, err
	}
	if community.ApID != actor.APID() && !sameHost(community.ApID, actor.APID()) {
		return nil, fmt.Errorf("%w: %s does not moderate %s", ErrUnauthorized, actor.APID(), community.ApID)
	}
	if _, err := p.store.SetRemovedByApID(ctx, domain.KindPost|domain.KindComment, objectID, removed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := p.resolver.Invalidate(ctx, objectID); err != nil {
		p.logger.Warn("failed to invalidate", zap.String("ap_id", objectID), zap.Error(err))
	}
	return obj, nil
}

func (p *InboxProcessor) vote(ctx context.Context, actor domain.Actor, act Activity) (domain.Object, error) {
	person, ok := actor.(domain.Person)
	if !ok {
		return nil, fmt.Errorf("%w: only persons vote", ErrWrongType)
	}
	obj, err := p.resolver.resolveReference(ctx, act.Object.ID, domain.KindPost|domain.KindComment)
	if err != nil {
		return nil, err
	}
	score := 1
	if act.Type == TypeDislike {
		score = -1
	}
	if err := p.store.UpsertVote(ctx, domain.Vote{
		ApID:       act.ID,
		PersonId:   person.Id,
		ObjectApID: obj.APID(),
		Score:      score,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return obj, nil
}

// announce applies the activity a remote community forwarded. The inner
// activity is trusted only as far as its id is hosted by its own actor;
// content it names is fetched from origin.
func (p *InboxProcessor) announce(ctx context.Context, act Activity) error {
	if !act.Object.Embedded() {
		// a boost of a plain object
		_, err := p.resolver.resolveReference(ctx, act.Object.ID, domain.KindPost|domain.KindComment)
		return err
	}

	var inner Activity
	if err := act.Object.Decode(&inner); err != nil {
		return fmt.Errorf("%w: announce object: %v", ErrInvalidPayload, err)
	}
	if inner.ID == "" || inner.Actor.ID == "" {
		// an embedded object rather than an activity
		_, err := p.resolver.resolveReference(ctx, act.Object.ID, domain.KindPost|domain.KindComment)
		return err
	}
	if !sameHost(inner.ID, inner.Actor.ID) {
		return fmt.Errorf("%w: announced activity %s not hosted by %s", ErrUnauthorized, inner.ID, inner.Actor.ID)
	}

	fresh, err := p.store.InsertReceivedActivity(ctx, domain.ReceivedActivity{
		ApID:       inner.ID,
		ActorApID:  inner.Actor.ID,
		Type:       inner.Type,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !fresh {
		return nil
	}

	innerActor, err := p.resolver.ResolveActor(ctx, inner.Actor.ID, true)
	if err != nil {
		return err
	}
	_, err = p.apply(ctx, innerActor, inner, true)
	return err
}

// forward announces an activity about content in a local community to the
// community's followers.
func (p *InboxProcessor) forward(ctx context.Context, actor domain.Actor, obj domain.Object, raw []byte) {
	if p.submitter == nil {
		return
	}
	community, err := p.communityOf(ctx, obj)
	if err != nil || !community.Local || community.ApID == actor.APID() {
		return
	}
	intent := domain.NewIntent(domain.IntentAnnounce, community, obj)
	intent.Activity = raw
	if err := p.submitter.Submit(intent); err != nil {
		p.logger.Warn("failed to forward activity", zap.String("community", community.Name), zap.Error(err))
	}
}

func (p *InboxProcessor) readLocalCopy(ctx context.Context, apID string) (domain.Object, error) {
	obj, err := p.store.ReadObjectByApID(ctx, domain.KindContent, apID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return obj, nil
}

// communityOf returns the community content was posted in.
func (p *InboxProcessor) communityOf(ctx context.Context, obj domain.Object) (domain.Community, error) {
	var communityId int64
	switch o := obj.(type) {
	case domain.Post:
		communityId = o.CommunityId
	case domain.Comment:
		post, err := p.store.ReadPostById(ctx, o.PostId)
		if err != nil {
			return domain.Community{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		communityId = post.CommunityId
	default:
		return domain.Community{}, fmt.Errorf("%w: %s has no community", ErrWrongType, obj.APID())
	}
	c, err := p.store.ReadCommunityById(ctx, communityId)
	if err != nil {
		return domain.Community{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return c, nil
}
