package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/domain"
)

// ActorResolver looks up mentioned actors.
type ActorResolver interface {
	ResolveActor(ctx context.Context, apID string, allowFetch bool) (domain.Actor, error)
}

// audience computes destination inboxes for built activities.
type audience struct {
	store    Store
	resolver ActorResolver
	host     string
}

// inboxes returns the distinct remote inboxes an intent is delivered to, in
// first-seen order.
func (a *audience) inboxes(ctx context.Context, in domain.Intent, b built) ([]string, error) {
	set := newInboxSet(a.host)

	switch in.Kind {
	case domain.IntentFollow, domain.IntentUnfollow:
		c, ok := in.Object.(domain.Community)
		if !ok {
			return nil, fmt.Errorf("follow target is a %s", in.Object.Kind())
		}
		set.add(c.Inbox())

	case domain.IntentAcceptFollow:
		follower, ok := in.Object.(domain.Actor)
		if !ok {
			return nil, fmt.Errorf("accepted follower is a %s", in.Object.Kind())
		}
		set.add(follower.Inbox())

	case domain.IntentAnnounce:
		c := in.Actor.(domain.Community)
		inboxes, err := a.store.ReadCommunityFollowerInboxes(ctx, c.Id)
		if err != nil {
			return nil, fmt.Errorf("followers of %s: %w", c.ApID, err)
		}
		// the origin already has it
		origin := hostOf(announcedActor(in.Activity))
		for _, inbox := range inboxes {
			if origin != "" && hostOf(inbox) == origin {
				continue
			}
			set.add(inbox)
		}

	default:
		if err := a.objectAudience(ctx, in, b, set); err != nil {
			return nil, err
		}
	}

	for _, m := range in.Mentions {
		actor, err := a.resolver.ResolveActor(ctx, m, true)
		if err != nil {
			return nil, fmt.Errorf("mention %s: %w", m, err)
		}
		set.add(actor.DeliveryInbox())
	}
	return set.list, nil
}

func (a *audience) objectAudience(ctx context.Context, in domain.Intent, b built, set *inboxSet) error {
	switch o := in.Object.(type) {
	case domain.PrivateMessage:
		recipient, err := a.store.ReadPersonById(ctx, o.RecipientId)
		if err != nil {
			return fmt.Errorf("recipient %d: %w", o.RecipientId, err)
		}
		set.add(recipient.DeliveryInbox())
		return nil

	case domain.Person:
		// profile updates reach nobody beyond mentions
		return nil
	}

	if b.community == nil {
		return fmt.Errorf("%s %s has no community", in.Object.Kind(), in.Object.APID())
	}
	c := *b.community
	if c.Local {
		inboxes, err := a.store.ReadCommunityFollowerInboxes(ctx, c.Id)
		if err != nil {
			return fmt.Errorf("followers of %s: %w", c.ApID, err)
		}
		for _, inbox := range inboxes {
			set.add(inbox)
		}
	} else {
		set.add(c.Inbox())
	}

	if comment, ok := in.Object.(domain.Comment); ok {
		parent, err := a.parentAuthor(ctx, comment)
		if err != nil {
			return err
		}
		set.add(parent.DeliveryInbox())
	}
	return nil
}

func (a *audience) parentAuthor(ctx context.Context, c domain.Comment) (domain.Person, error) {
	var creatorId int64
	if c.ParentId != 0 {
		parent, err := a.store.ReadCommentById(ctx, c.ParentId)
		if err != nil {
			return domain.Person{}, fmt.Errorf("parent comment %d: %w", c.ParentId, err)
		}
		creatorId = parent.CreatorId
	} else {
		post, err := a.store.ReadPostById(ctx, c.PostId)
		if err != nil {
			return domain.Person{}, fmt.Errorf("post %d: %w", c.PostId, err)
		}
		creatorId = post.CreatorId
	}
	p, err := a.store.ReadPersonById(ctx, creatorId)
	if err != nil {
		return domain.Person{}, fmt.Errorf("parent author %d: %w", creatorId, err)
	}
	return p, nil
}

// inboxSet keeps remote inboxes in first-seen order.
type inboxSet struct {
	localHost string
	seen      map[string]bool
	list      []string
}

func newInboxSet(localHost string) *inboxSet {
	return &inboxSet{localHost: strings.ToLower(localHost), seen: make(map[string]bool)}
}

func (s *inboxSet) add(inbox string) {
	if inbox == "" || s.seen[inbox] {
		return
	}
	host := hostOf(inbox)
	if host == "" || host == s.localHost {
		return
	}
	s.seen[inbox] = true
	s.list = append(s.list, inbox)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func announcedActor(raw []byte) string {
	var act activitypub.Activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return ""
	}
	return act.Actor.ID
}
