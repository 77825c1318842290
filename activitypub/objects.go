package activitypub

import (
	"context"
	"fmt"
	"strconv"

	"github.com/deemkeen/threadfed/domain"
)

// Paths of the documents we serve. Local ApIDs are built from them.
const (
	PersonPath         = "/u/"
	CommunityPath      = "/c/"
	PostPath           = "/post/"
	CommentPath        = "/comment/"
	PrivateMessagePath = "/private_message/"
	ActivityPath       = "/activities/"
	SharedInboxPath    = "/inbox"
)

func PersonURL(host, name string) string {
	return "https://" + host + PersonPath + name
}

func CommunityURL(host, name string) string {
	return "https://" + host + CommunityPath + name
}

func ObjectURL(host string, kind domain.Kind, id int64) string {
	var path string
	switch kind {
	case domain.KindPost:
		path = PostPath
	case domain.KindComment:
		path = CommentPath
	case domain.KindPrivateMessage:
		path = PrivateMessagePath
	default:
		return ""
	}
	return "https://" + host + path + strconv.FormatInt(id, 10)
}

func SharedInboxURL(host string) string {
	return "https://" + host + SharedInboxPath
}

// RenderStore is what the renderer needs to fill in references.
type RenderStore interface {
	ReadPersonById(ctx context.Context, id int64) (domain.Person, error)
	ReadCommunityById(ctx context.Context, id int64) (domain.Community, error)
	ReadPostById(ctx context.Context, id int64) (domain.Post, error)
	ReadCommentById(ctx context.Context, id int64) (domain.Comment, error)
}

// Renderer turns local objects into the documents remote servers fetch and
// the objects embedded in outbound activities.
type Renderer struct {
	store RenderStore
	host  string
}

func NewRenderer(store RenderStore, localDomain string) *Renderer {
	return &Renderer{store: store, host: localDomain}
}

// Actor renders a person as Person and a community as Group.
func (r *Renderer) Actor(a domain.Actor) ActorDocument {
	doc := ActorDocument{
		Context:   DefaultContext,
		ID:        a.APID(),
		Inbox:     a.Inbox(),
		Endpoints: &Endpoints{SharedInbox: SharedInboxURL(r.host)},
		PublicKey: PublicKey{
			ID:           a.KeyID(),
			Owner:        a.APID(),
			PublicKeyPem: a.PublicKey(),
		},
	}
	switch v := a.(type) {
	case domain.Person:
		doc.Type = TypePerson
		doc.PreferredUsername = v.Name
		doc.Name = v.DisplayName
		doc.Summary = v.Bio
		published := v.Published
		doc.Published = &published
	case domain.Community:
		doc.Type = TypeGroup
		doc.PreferredUsername = v.Name
		doc.Name = v.Title
		doc.Summary = v.Description
		doc.Followers = v.FollowersURL
		if doc.Followers == "" {
			doc.Followers = v.ApID + "/followers"
		}
		published := v.Published
		doc.Published = &published
	}
	return doc
}

// Object renders content. Deleted or removed content renders as a
// Tombstone.
func (r *Renderer) Object(ctx context.Context, obj domain.Object) (ObjectDocument, error) {
	switch o := obj.(type) {
	case domain.Post:
		if o.Deleted || o.Removed {
			return tombstone(o.ApID, TypePage), nil
		}
		return r.post(ctx, o)
	case domain.Comment:
		if o.Deleted || o.Removed {
			return tombstone(o.ApID, TypeNote), nil
		}
		return r.comment(ctx, o)
	case domain.PrivateMessage:
		if o.Deleted {
			return tombstone(o.ApID, TypeChatMessage), nil
		}
		return r.privateMessage(ctx, o)
	}
	return ObjectDocument{}, fmt.Errorf("cannot render %s as an object", obj.Kind())
}

func tombstone(id, formerType string) ObjectDocument {
	return ObjectDocument{Context: DefaultContext, ID: id, Type: TypeTombstone, FormerType: formerType}
}

func (r *Renderer) post(ctx context.Context, p domain.Post) (ObjectDocument, error) {
	creator, err := r.store.ReadPersonById(ctx, p.CreatorId)
	if err != nil {
		return ObjectDocument{}, fmt.Errorf("post %d creator: %w", p.Id, err)
	}
	community, err := r.store.ReadCommunityById(ctx, p.CommunityId)
	if err != nil {
		return ObjectDocument{}, fmt.Errorf("post %d community: %w", p.Id, err)
	}
	published := p.Published
	return ObjectDocument{
		Context:      DefaultContext,
		ID:           p.ApID,
		Type:         TypePage,
		AttributedTo: IDRef(creator.ApID),
		To:           Addresses{community.ApID, PublicCollection},
		Audience:     community.ApID,
		Name:         p.Name,
		Content:      p.Body,
		MediaType:    "text/html",
		URL:          p.URL,
		Published:    &published,
		Updated:      p.Updated,
	}, nil
}

func (r *Renderer) comment(ctx context.Context, c domain.Comment) (ObjectDocument, error) {
	creator, err := r.store.ReadPersonById(ctx, c.CreatorId)
	if err != nil {
		return ObjectDocument{}, fmt.Errorf("comment %d creator: %w", c.Id, err)
	}
	post, err := r.store.ReadPostById(ctx, c.PostId)
	if err != nil {
		return ObjectDocument{}, fmt.Errorf("comment %d post: %w", c.Id, err)
	}
	community, err := r.store.ReadCommunityById(ctx, post.CommunityId)
	if err != nil {
		return ObjectDocument{}, fmt.Errorf("comment %d community: %w", c.Id, err)
	}

	inReplyTo := post.ApID
	parentAuthor := post.CreatorId
	if c.ParentId != 0 {
		parent, err := r.store.ReadCommentById(ctx, c.ParentId)
		if err != nil {
			return ObjectDocument{}, fmt.Errorf("comment %d parent: %w", c.Id, err)
		}
		inReplyTo = parent.ApID
		parentAuthor = parent.CreatorId
	}

	cc := Addresses{community.ApID}
	if parentAuthor != c.CreatorId {
		if author, err := r.store.ReadPersonById(ctx, parentAuthor); err == nil {
			cc = append(cc, author.ApID)
		}
	}

	published := c.Published
	return ObjectDocument{
		Context:      DefaultContext,
		ID:           c.ApID,
		Type:         TypeNote,
		AttributedTo: IDRef(creator.ApID),
		To:           Addresses{PublicCollection},
		CC:           cc,
		Audience:     community.ApID,
		Content:      c.Content,
		MediaType:    "text/html",
		InReplyTo:    inReplyTo,
		Published:    &published,
		Updated:      c.Updated,
	}, nil
}

func (r *Renderer) privateMessage(ctx context.Context, m domain.PrivateMessage) (ObjectDocument, error) {
	creator, err := r.store.ReadPersonById(ctx, m.CreatorId)
	if err != nil {
		return ObjectDocument{}, fmt.Errorf("private message %d creator: %w", m.Id, err)
	}
	recipient, err := r.store.ReadPersonById(ctx, m.RecipientId)
	if err != nil {
		return ObjectDocument{}, fmt.Errorf("private message %d recipient: %w", m.Id, err)
	}
	published := m.Published
	return ObjectDocument{
		Context:      DefaultContext,
		ID:           m.ApID,
		Type:         TypeChatMessage,
		AttributedTo: IDRef(creator.ApID),
		To:           Addresses{recipient.ApID},
		Content:      m.Content,
		MediaType:    "text/html",
		Published:    &published,
		Updated:      m.Updated,
	}, nil
}
