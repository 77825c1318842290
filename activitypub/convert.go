package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/threadfed/domain"
)

type documentHead struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	InReplyTo string `json:"inReplyTo"`
}

func decodeHead(body []byte) (documentHead, error) {
	var head documentHead
	if err := json.Unmarshal(body, &head); err != nil {
		return head, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if head.ID == "" || head.Type == "" {
		return head, fmt.Errorf("%w: document without id or type", ErrInvalidPayload)
	}
	return head, nil
}

// kindOf maps a document type to the domain kind it converts to. A Note
// without inReplyTo is a top-level post, as sent by microblogging servers.
func kindOf(head documentHead) (domain.Kind, error) {
	switch head.Type {
	case TypePerson, TypeService:
		return domain.KindPerson, nil
	case TypeGroup:
		return domain.KindCommunity, nil
	case TypePage, TypeArticle:
		return domain.KindPost, nil
	case TypeNote:
		if head.InReplyTo == "" {
			return domain.KindPost, nil
		}
		return domain.KindComment, nil
	case TypeChatMessage:
		return domain.KindPrivateMessage, nil
	}
	return 0, fmt.Errorf("%w: unsupported type %q", ErrInvalidPayload, head.Type)
}

func (r *Resolver) convert(ctx context.Context, body []byte, kind domain.Kind) (domain.Object, error) {
	switch kind {
	case domain.KindPerson, domain.KindCommunity:
		var doc ActorDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return actorFromDocument(doc, kind, r.now())
	}

	var doc ObjectDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := checkAttribution(doc); err != nil {
		return nil, err
	}
	creator, err := r.dependency(ctx, "creator", doc.AttributedTo.ID, domain.KindPerson)
	if err != nil {
		return nil, err
	}

	switch kind {
	case domain.KindPost:
		return r.postFromDocument(ctx, doc, creator)
	case domain.KindComment:
		return r.commentFromDocument(ctx, doc, creator)
	case domain.KindPrivateMessage:
		return r.privateMessageFromDocument(ctx, doc, creator)
	}
	return nil, fmt.Errorf("%w: cannot convert %s", ErrInvalidPayload, kind)
}

func actorFromDocument(doc ActorDocument, kind domain.Kind, now time.Time) (domain.Object, error) {
	u, err := parseReference(doc.ID)
	if err != nil {
		return nil, err
	}
	if doc.Inbox == "" || doc.PreferredUsername == "" {
		return nil, fmt.Errorf("%w: actor %s missing inbox or preferredUsername", ErrInvalidPayload, doc.ID)
	}
	if doc.PublicKey.Owner != doc.ID {
		return nil, fmt.Errorf("%w: key owner %q is not %s", ErrInvalidPayload, doc.PublicKey.Owner, doc.ID)
	}
	if _, err := ParsePublicKey(doc.PublicKey.PublicKeyPem); err != nil {
		return nil, fmt.Errorf("%w: actor %s: %v", ErrInvalidPayload, doc.ID, err)
	}

	// we sign and POST to these, so they must stay on the actor's server
	if !sameHost(doc.Inbox, doc.ID) {
		return nil, fmt.Errorf("%w: actor %s has inbox on another host", ErrInvalidPayload, doc.ID)
	}
	var sharedInbox string
	if doc.Endpoints != nil {
		sharedInbox = doc.Endpoints.SharedInbox
	}
	if sharedInbox != "" && !sameHost(sharedInbox, doc.ID) {
		return nil, fmt.Errorf("%w: actor %s has shared inbox on another host", ErrInvalidPayload, doc.ID)
	}
	published := now
	if doc.Published != nil {
		published = *doc.Published
	}

	if kind == domain.KindCommunity {
		title := doc.Name
		if title == "" {
			title = doc.PreferredUsername
		}
		return domain.Community{
			ApID:            doc.ID,
			Name:            doc.PreferredUsername,
			Title:           title,
			Description:     doc.Summary,
			Instance:        strings.ToLower(u.Host),
			InboxURL:        doc.Inbox,
			SharedInboxURL:  sharedInbox,
			FollowersURL:    doc.Followers,
			PublicKeyPem:    doc.PublicKey.PublicKeyPem,
			Published:       published,
			LastRefreshedAt: now,
		}, nil
	}
	return domain.Person{
		ApID:            doc.ID,
		Name:            doc.PreferredUsername,
		DisplayName:     doc.Name,
		Bio:             doc.Summary,
		Instance:        strings.ToLower(u.Host),
		InboxURL:        doc.Inbox,
		SharedInboxURL:  sharedInbox,
		PublicKeyPem:    doc.PublicKey.PublicKeyPem,
		Published:       published,
		LastRefreshedAt: now,
	}, nil
}

// checkAttribution requires content to be attributed to an actor on the
// content's own host.
func checkAttribution(doc ObjectDocument) error {
	if doc.AttributedTo.ID == "" {
		return fmt.Errorf("%w: %s has no attributedTo", ErrInvalidPayload, doc.ID)
	}
	if !sameHost(doc.ID, doc.AttributedTo.ID) {
		return fmt.Errorf("%w: %s attributed to foreign actor %s", ErrInvalidPayload, doc.ID, doc.AttributedTo.ID)
	}
	return nil
}

func (r *Resolver) postFromDocument(ctx context.Context, doc ObjectDocument, creator domain.Object) (domain.Object, error) {
	community, err := r.postCommunity(ctx, doc)
	if err != nil {
		return nil, err
	}
	name := doc.Name
	if name == "" {
		name = firstLine(doc.Content)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: post %s has no name", ErrInvalidPayload, doc.ID)
	}
	return domain.Post{
		ApID:        doc.ID,
		Name:        name,
		Body:        doc.Content,
		URL:         doc.URL,
		CreatorId:   creator.LocalID(),
		CommunityId: community.LocalID(),
		Published:   publishedOr(doc.Published, r.now()),
		Updated:     doc.Updated,
	}, nil
}

// postCommunity finds the community a post belongs to: audience first, then
// the first community among to and cc.
func (r *Resolver) postCommunity(ctx context.Context, doc ObjectDocument) (domain.Object, error) {
	if doc.Audience != "" {
		return r.dependency(ctx, "community", doc.Audience, domain.KindCommunity)
	}
	var lastErr error
	for _, candidate := range append(append(Addresses{}, doc.To...), doc.CC...) {
		if candidate == PublicCollection || strings.HasSuffix(candidate, "/followers") {
			continue
		}
		c, err := r.resolveReference(ctx, candidate, domain.KindCommunity)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrRemoteUnreachable) || errors.Is(err, ErrStorage) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no community addressed")
	}
	return nil, fmt.Errorf("%w: post %s: %v", ErrInvalidPayload, doc.ID, lastErr)
}

func (r *Resolver) commentFromDocument(ctx context.Context, doc ObjectDocument, creator domain.Object) (domain.Object, error) {
	if doc.Content == "" {
		return nil, fmt.Errorf("%w: comment %s has no content", ErrInvalidPayload, doc.ID)
	}
	parent, err := r.dependency(ctx, "parent", doc.InReplyTo, domain.KindPost|domain.KindComment)
	if err != nil {
		return nil, err
	}
	c := domain.Comment{
		ApID:      doc.ID,
		Content:   doc.Content,
		CreatorId: creator.LocalID(),
		Published: publishedOr(doc.Published, r.now()),
		Updated:   doc.Updated,
	}
	switch p := parent.(type) {
	case domain.Post:
		c.PostId = p.Id
	case domain.Comment:
		c.PostId = p.PostId
		c.ParentId = p.Id
	}
	return c, nil
}

func (r *Resolver) privateMessageFromDocument(ctx context.Context, doc ObjectDocument, creator domain.Object) (domain.Object, error) {
	if len(doc.To) == 0 {
		return nil, fmt.Errorf("%w: private message %s has no recipient", ErrInvalidPayload, doc.ID)
	}
	recipient, err := r.dependency(ctx, "recipient", doc.To[0], domain.KindPerson)
	if err != nil {
		return nil, err
	}
	return domain.PrivateMessage{
		ApID:        doc.ID,
		Content:     doc.Content,
		CreatorId:   creator.LocalID(),
		RecipientId: recipient.LocalID(),
		Published:   publishedOr(doc.Published, r.now()),
		Updated:     doc.Updated,
	}, nil
}

// dependency resolves an object referenced by the document being converted.
// A dependency that is gone or malformed makes the document invalid;
// transient failures pass through unchanged so they are not cached.
func (r *Resolver) dependency(ctx context.Context, role, apID string, mask domain.Kind) (domain.Object, error) {
	if apID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, role)
	}
	obj, err := r.resolveReference(ctx, apID, mask)
	if err == nil {
		return obj, nil
	}
	if errors.Is(err, ErrRemoteUnreachable) || errors.Is(err, ErrStorage) {
		return nil, err
	}
	if errors.Is(err, ErrInvalidPayload) {
		return nil, fmt.Errorf("%s %s: %w", role, apID, err)
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrInvalidPayload, role, apID, err)
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}

func publishedOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
