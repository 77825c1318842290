package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"

	ContentType   = "application/activity+json"
	LDContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// DefaultContext is the @context of every document we emit.
var DefaultContext = []any{ActivityStreamsContext, SecurityContext}

// Ref is a JSON-LD reference: either a bare id string or an embedded object.
// Raw holds the embedded object when there is one.
type Ref struct {
	ID  string
	Raw json.RawMessage
}

func IDRef(id string) Ref {
	return Ref{ID: id}
}

// EmbedRef marshals v and keeps it embedded. v must carry an "id".
func EmbedRef(v any) (Ref, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Ref{}, err
	}
	var r Ref
	if err := r.UnmarshalJSON(raw); err != nil {
		return Ref{}, err
	}
	return r, nil
}

func (r Ref) IsZero() bool {
	return r.ID == "" && r.Raw == nil
}

// Embedded reports whether the reference carries the full object.
func (r Ref) Embedded() bool {
	return r.Raw != nil
}

// Decode unmarshals the embedded object into v.
func (r Ref) Decode(v any) error {
	if r.Raw == nil {
		return fmt.Errorf("%w: reference %q is not embedded", ErrInvalidPayload, r.ID)
	}
	return json.Unmarshal(r.Raw, v)
}

// Type returns the "type" of an embedded object, or "".
func (r Ref) Type() string {
	if r.Raw == nil {
		return ""
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(r.Raw, &head)
	return head.Type
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Raw != nil {
		return r.Raw, nil
	}
	return json.Marshal(r.ID)
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Ref{}
		return nil
	}
	if data[0] == '"' {
		r.Raw = nil
		return json.Unmarshal(data, &r.ID)
	}
	if data[0] == '[' {
		// some servers wrap a single reference in an array
		var refs []Ref
		if err := json.Unmarshal(data, &refs); err != nil {
			return err
		}
		if len(refs) == 0 {
			*r = Ref{}
			return nil
		}
		*r = refs[0]
		return nil
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.ID = head.ID
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Addresses is an audience field (to, cc): a single id or a list.
type Addresses []string

func (a *Addresses) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	if data[0] != '[' {
		var r Ref
		if err := r.UnmarshalJSON(data); err != nil {
			return err
		}
		*a = Addresses{r.ID}
		return nil
	}
	var refs []Ref
	if err := json.Unmarshal(data, &refs); err != nil {
		return err
	}
	out := make(Addresses, 0, len(refs))
	for _, r := range refs {
		if r.ID != "" {
			out = append(out, r.ID)
		}
	}
	*a = out
	return nil
}

func (a Addresses) Contains(id string) bool {
	for _, v := range a {
		if v == id {
			return true
		}
	}
	return false
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument is a Person or Group.
type ActorDocument struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         PublicKey  `json:"publicKey"`
	Published         *time.Time `json:"published,omitempty"`
	Updated           *time.Time `json:"updated,omitempty"`
}

type Tag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

// ObjectDocument covers Page, Note, ChatMessage and Tombstone.
type ObjectDocument struct {
	Context      any        `json:"@context,omitempty"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo Ref        `json:"attributedTo"`
	To           Addresses  `json:"to,omitempty"`
	CC           Addresses  `json:"cc,omitempty"`
	Audience     string     `json:"audience,omitempty"`
	Name         string     `json:"name,omitempty"`
	Content      string     `json:"content,omitempty"`
	MediaType    string     `json:"mediaType,omitempty"`
	URL          string     `json:"url,omitempty"`
	InReplyTo    string     `json:"inReplyTo,omitempty"`
	Tag          []Tag      `json:"tag,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
	FormerType   string     `json:"formerType,omitempty"`
}

// Activity is any activity. Object is a reference or an embedded object or
// activity.
type Activity struct {
	Context   any        `json:"@context,omitempty"`
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Actor     Ref        `json:"actor"`
	Object    Ref        `json:"object"`
	Target    string     `json:"target,omitempty"`
	To        Addresses  `json:"to,omitempty"`
	CC        Addresses  `json:"cc,omitempty"`
	Audience  string     `json:"audience,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Published *time.Time `json:"published,omitempty"`
}

// OrderedCollection is served for follower collections (count only).
type OrderedCollection struct {
	Context    any    `json:"@context,omitempty"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
}

// Object and actor type names we understand.
const (
	TypePerson      = "Person"
	TypeGroup       = "Group"
	TypeService     = "Service"
	TypePage        = "Page"
	TypeArticle     = "Article"
	TypeNote        = "Note"
	TypeChatMessage = "ChatMessage"
	TypeTombstone   = "Tombstone"
)

// Activity type names.
const (
	TypeCreate   = "Create"
	TypeUpdate   = "Update"
	TypeDelete   = "Delete"
	TypeRemove   = "Remove"
	TypeUndo     = "Undo"
	TypeLike     = "Like"
	TypeDislike  = "Dislike"
	TypeFollow   = "Follow"
	TypeAccept   = "Accept"
	TypeAnnounce = "Announce"
)
