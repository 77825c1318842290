package domain

import (
	"fmt"
	"time"
)

// Kind is a bit set of object kinds. A single object has exactly one bit set;
// callers pass masks such as KindActor when several kinds are acceptable.
type Kind uint8

const (
	KindPerson Kind = 1 << iota
	KindCommunity
	KindPost
	KindComment
	KindPrivateMessage
)

const (
	KindActor   = KindPerson | KindCommunity
	KindContent = KindPost | KindComment | KindPrivateMessage
	KindAny     = KindActor | KindContent
)

func (k Kind) String() string {
	switch k {
	case KindPerson:
		return "person"
	case KindCommunity:
		return "community"
	case KindPost:
		return "post"
	case KindComment:
		return "comment"
	case KindPrivateMessage:
		return "private_message"
	case KindActor:
		return "actor"
	case KindContent:
		return "content"
	case KindAny:
		return "any"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Matches reports whether an object of kind other is acceptable for the mask k.
func (k Kind) Matches(other Kind) bool {
	return k&other != 0
}

// ParseKind maps a CLI/config name to a kind mask.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindPerson, KindCommunity, KindPost, KindComment, KindPrivateMessage, KindActor, KindContent, KindAny} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// Object is the common surface of every federated entity.
type Object interface {
	Kind() Kind
	LocalID() int64
	APID() string
	IsLocal() bool
}

// Actor is an Object that can sign and receive activities.
type Actor interface {
	Object
	Inbox() string
	// DeliveryInbox prefers the shared inbox of the actor's instance.
	DeliveryInbox() string
	PublicKey() string
	PrivateKey() string
	KeyID() string
}

type Person struct {
	Id              int64
	ApID            string
	Name            string
	DisplayName     string
	Bio             string
	Instance        string
	InboxURL        string
	SharedInboxURL  string
	PublicKeyPem    string
	PrivateKeyPem   string `json:"-"`
	Local           bool
	Deleted         bool
	Published       time.Time
	LastRefreshedAt time.Time
}

func (p Person) Kind() Kind         { return KindPerson }
func (p Person) LocalID() int64     { return p.Id }
func (p Person) APID() string       { return p.ApID }
func (p Person) IsLocal() bool      { return p.Local }
func (p Person) Inbox() string      { return p.InboxURL }
func (p Person) PublicKey() string  { return p.PublicKeyPem }
func (p Person) PrivateKey() string { return p.PrivateKeyPem }
func (p Person) KeyID() string      { return p.ApID + "#main-key" }

func (p Person) DeliveryInbox() string {
	if p.SharedInboxURL != "" {
		return p.SharedInboxURL
	}
	return p.InboxURL
}

type Community struct {
	Id              int64
	ApID            string
	Name            string
	Title           string
	Description     string
	Instance        string
	InboxURL        string
	SharedInboxURL  string
	FollowersURL    string
	PublicKeyPem    string
	PrivateKeyPem   string `json:"-"`
	Local           bool
	Removed         bool
	Deleted         bool
	Published       time.Time
	LastRefreshedAt time.Time
}

func (c Community) Kind() Kind         { return KindCommunity }
func (c Community) LocalID() int64     { return c.Id }
func (c Community) APID() string       { return c.ApID }
func (c Community) IsLocal() bool      { return c.Local }
func (c Community) Inbox() string      { return c.InboxURL }
func (c Community) PublicKey() string  { return c.PublicKeyPem }
func (c Community) PrivateKey() string { return c.PrivateKeyPem }
func (c Community) KeyID() string      { return c.ApID + "#main-key" }

func (c Community) DeliveryInbox() string {
	if c.SharedInboxURL != "" {
		return c.SharedInboxURL
	}
	return c.InboxURL
}

type Post struct {
	Id          int64
	ApID        string
	Name        string
	Body        string
	URL         string
	CreatorId   int64
	CommunityId int64
	Local       bool
	Removed     bool
	Deleted     bool
	Locked      bool
	Published   time.Time
	Updated     *time.Time
}

func (p Post) Kind() Kind     { return KindPost }
func (p Post) LocalID() int64 { return p.Id }
func (p Post) APID() string   { return p.ApID }
func (p Post) IsLocal() bool  { return p.Local }

type Comment struct {
	Id        int64
	ApID      string
	Content   string
	CreatorId int64
	PostId    int64
	ParentId  int64 // 0 for top-level comments
	Local     bool
	Removed   bool
	Deleted   bool
	Published time.Time
	Updated   *time.Time
}

func (c Comment) Kind() Kind     { return KindComment }
func (c Comment) LocalID() int64 { return c.Id }
func (c Comment) APID() string   { return c.ApID }
func (c Comment) IsLocal() bool  { return c.Local }

type PrivateMessage struct {
	Id          int64
	ApID        string
	Content     string
	CreatorId   int64
	RecipientId int64
	Local       bool
	Deleted     bool
	Published   time.Time
	Updated     *time.Time
}

func (m PrivateMessage) Kind() Kind     { return KindPrivateMessage }
func (m PrivateMessage) LocalID() int64 { return m.Id }
func (m PrivateMessage) APID() string   { return m.ApID }
func (m PrivateMessage) IsLocal() bool  { return m.Local }

// Vote is a like (+1) or dislike (-1) by a person on a post or comment.
type Vote struct {
	ApID       string
	PersonId   int64
	ObjectApID string
	Score      int
	Published  time.Time
}

// CommunityFollow links a follower to a community. FollowApID is the id of the
// Follow activity, needed to match a later Accept or Undo.
type CommunityFollow struct {
	CommunityId int64
	PersonId    int64
	FollowApID  string
	Pending     bool
	Published   time.Time
}
