package federation

import (
	"context"
	"fmt"
	"strings"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/domain"
	"github.com/google/uuid"
)

// ActivityID is the stable id of the activity of the given type built for
// intent id. Handlers that need the id up front (a pending Follow) call it
// with the intent's ID.
func ActivityID(host, activityType string, id uuid.UUID) string {
	return "https://" + host + activitypub.ActivityPath + strings.ToLower(activityType) + "/" + id.String()
}

// built is the wire activity for one intent and the actor that signs it.
type built struct {
	activity  activitypub.Activity
	signer    domain.Actor
	community *domain.Community
}

// builder turns intents into wire activities.
type builder struct {
	store    Store
	renderer *activitypub.Renderer
	host     string
}

func (b *builder) build(ctx context.Context, in domain.Intent) (built, error) {
	community, err := communityOf(ctx, b.store, in.Object)
	if err != nil {
		return built{}, err
	}

	act, err := b.activity(ctx, in, community)
	if err != nil {
		return built{}, err
	}
	out := built{activity: act, signer: in.Actor, community: community}

	// the community relays what others do in it
	if community != nil && community.Local && community.ApID != in.Actor.APID() && announceable(in.Kind) {
		out.activity, err = b.announce(in.ID, *community, act)
		if err != nil {
			return built{}, err
		}
		out.signer = *community
	}
	out.activity.Context = activitypub.DefaultContext
	return out, nil
}

func announceable(kind domain.IntentKind) bool {
	switch kind {
	case domain.IntentCreate, domain.IntentUpdate, domain.IntentDelete, domain.IntentRemove, domain.IntentVote:
		return true
	}
	return false
}

func (b *builder) activity(ctx context.Context, in domain.Intent, community *domain.Community) (activitypub.Activity, error) {
	actor := activitypub.IDRef(in.Actor.APID())

	switch in.Kind {
	case domain.IntentCreate, domain.IntentUpdate:
		return b.createOrUpdate(ctx, in)

	case domain.IntentDelete:
		del := activitypub.Activity{
			ID:     ActivityID(b.host, activitypub.TypeDelete, in.ID),
			Type:   activitypub.TypeDelete,
			Actor:  actor,
			Object: activitypub.IDRef(in.Object.APID()),
			To:     activitypub.Addresses{activitypub.PublicCollection},
		}
		addCommunity(&del, community)
		if _, ok := in.Object.(domain.PrivateMessage); ok {
			del.To = nil
		}
		if in.Undo {
			return b.undo(in.ID, del)
		}
		return del, nil

	case domain.IntentRemove:
		if community == nil {
			return activitypub.Activity{}, fmt.Errorf("remove of %s outside a community", in.Object.APID())
		}
		remove := activitypub.Activity{
			ID:      ActivityID(b.host, activitypub.TypeRemove, in.ID),
			Type:    activitypub.TypeRemove,
			Actor:   actor,
			Object:  activitypub.IDRef(in.Object.APID()),
			Target:  community.ApID,
			Summary: in.Reason,
			To:      activitypub.Addresses{activitypub.PublicCollection},
		}
		addCommunity(&remove, community)
		if in.Undo {
			return b.undo(in.ID, remove)
		}
		return remove, nil

	case domain.IntentVote:
		voteType := activitypub.TypeLike
		if in.Score < 0 {
			voteType = activitypub.TypeDislike
		}
		vote := activitypub.Activity{
			ID:     ActivityID(b.host, voteType, in.ID),
			Type:   voteType,
			Actor:  actor,
			Object: activitypub.IDRef(in.Object.APID()),
		}
		addCommunity(&vote, community)
		if in.Score == 0 {
			return b.undo(in.ID, vote)
		}
		return vote, nil

	case domain.IntentFollow, domain.IntentUnfollow:
		follow := activitypub.Activity{
			ID:     ActivityID(b.host, activitypub.TypeFollow, in.ID),
			Type:   activitypub.TypeFollow,
			Actor:  actor,
			Object: activitypub.IDRef(in.Object.APID()),
			To:     activitypub.Addresses{in.Object.APID()},
		}
		if in.Kind == domain.IntentFollow {
			return follow, nil
		}
		if in.FollowID != "" {
			follow.ID = in.FollowID
		}
		return b.undo(in.ID, follow)

	case domain.IntentAcceptFollow:
		follow, err := activitypub.EmbedRef(activitypub.Activity{
			ID:     in.FollowID,
			Type:   activitypub.TypeFollow,
			Actor:  activitypub.IDRef(in.Object.APID()),
			Object: actor,
		})
		if err != nil {
			return activitypub.Activity{}, err
		}
		return activitypub.Activity{
			ID:     ActivityID(b.host, activitypub.TypeAccept, in.ID),
			Type:   activitypub.TypeAccept,
			Actor:  actor,
			Object: follow,
			To:     activitypub.Addresses{in.Object.APID()},
		}, nil

	case domain.IntentAnnounce:
		c, ok := in.Actor.(domain.Community)
		if !ok {
			return activitypub.Activity{}, fmt.Errorf("only communities announce, got %s", in.Actor.Kind())
		}
		var inner activitypub.Ref
		if err := inner.UnmarshalJSON(in.Activity); err != nil {
			return activitypub.Activity{}, fmt.Errorf("announced activity: %w", err)
		}
		return activitypub.Activity{
			ID:     ActivityID(b.host, activitypub.TypeAnnounce, in.ID),
			Type:   activitypub.TypeAnnounce,
			Actor:  actor,
			Object: inner,
			To:     activitypub.Addresses{activitypub.PublicCollection},
			CC:     activitypub.Addresses{followersOf(c)},
		}, nil
	}
	return activitypub.Activity{}, fmt.Errorf("unknown intent kind %q", in.Kind)
}

func (b *builder) createOrUpdate(ctx context.Context, in domain.Intent) (activitypub.Activity, error) {
	activityType := activitypub.TypeCreate
	if in.Kind == domain.IntentUpdate {
		activityType = activitypub.TypeUpdate
	}
	act := activitypub.Activity{
		ID:    ActivityID(b.host, activityType, in.ID),
		Type:  activityType,
		Actor: activitypub.IDRef(in.Actor.APID()),
	}

	if a, ok := in.Object.(domain.Actor); ok {
		if in.Kind != domain.IntentUpdate {
			return activitypub.Activity{}, fmt.Errorf("actors are updated, not created")
		}
		doc := b.renderer.Actor(a)
		doc.Context = nil
		obj, err := activitypub.EmbedRef(doc)
		if err != nil {
			return activitypub.Activity{}, err
		}
		act.Object = obj
		act.To = activitypub.Addresses{activitypub.PublicCollection}
		return act, nil
	}

	doc, err := b.renderer.Object(ctx, in.Object)
	if err != nil {
		return activitypub.Activity{}, err
	}
	if len(in.Mentions) > 0 {
		for _, m := range in.Mentions {
			doc.Tag = append(doc.Tag, activitypub.Tag{Type: "Mention", Href: m})
			doc.CC = append(doc.CC, m)
		}
	}
	doc.Context = nil
	obj, err := activitypub.EmbedRef(doc)
	if err != nil {
		return activitypub.Activity{}, err
	}
	act.Object = obj
	act.To = doc.To
	act.CC = doc.CC
	act.Audience = doc.Audience
	return act, nil
}

func (b *builder) undo(intentID uuid.UUID, inner activitypub.Activity) (activitypub.Activity, error) {
	obj, err := activitypub.EmbedRef(inner)
	if err != nil {
		return activitypub.Activity{}, err
	}
	return activitypub.Activity{
		ID:       ActivityID(b.host, activitypub.TypeUndo, intentID),
		Type:     activitypub.TypeUndo,
		Actor:    inner.Actor,
		Object:   obj,
		To:       inner.To,
		CC:       inner.CC,
		Audience: inner.Audience,
	}, nil
}

func (b *builder) announce(intentID uuid.UUID, c domain.Community, inner activitypub.Activity) (activitypub.Activity, error) {
	obj, err := activitypub.EmbedRef(inner)
	if err != nil {
		return activitypub.Activity{}, err
	}
	return activitypub.Activity{
		ID:     ActivityID(b.host, activitypub.TypeAnnounce, intentID),
		Type:   activitypub.TypeAnnounce,
		Actor:  activitypub.IDRef(c.ApID),
		Object: obj,
		To:     activitypub.Addresses{activitypub.PublicCollection},
		CC:     activitypub.Addresses{followersOf(c)},
	}, nil
}

func addCommunity(act *activitypub.Activity, c *domain.Community) {
	if c == nil {
		return
	}
	act.CC = append(act.CC, c.ApID)
	act.Audience = c.ApID
}

func followersOf(c domain.Community) string {
	if c.FollowersURL != "" {
		return c.FollowersURL
	}
	return c.ApID + "/followers"
}

// communityOf returns the community an object belongs to. A community
// belongs to itself; persons and private messages belong to none.
func communityOf(ctx context.Context, store Store, obj domain.Object) (*domain.Community, error) {
	var communityId int64
	switch o := obj.(type) {
	case domain.Community:
		return &o, nil
	case domain.Post:
		communityId = o.CommunityId
	case domain.Comment:
		post, err := store.ReadPostById(ctx, o.PostId)
		if err != nil {
			return nil, fmt.Errorf("comment %d post: %w", o.Id, err)
		}
		communityId = post.CommunityId
	default:
		return nil, nil
	}
	c, err := store.ReadCommunityById(ctx, communityId)
	if err != nil {
		return nil, fmt.Errorf("community %d: %w", communityId, err)
	}
	return &c, nil
}
