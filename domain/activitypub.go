package domain

import (
	"time"

	"github.com/google/uuid"
)

// IntentKind names what a local actor did. The object's kind decides which
// ActivityPub object type goes on the wire.
type IntentKind string

const (
	IntentCreate       IntentKind = "create"
	IntentUpdate       IntentKind = "update"
	IntentDelete       IntentKind = "delete"
	IntentRemove       IntentKind = "remove"
	IntentVote         IntentKind = "vote"
	IntentFollow       IntentKind = "follow"
	IntentUnfollow     IntentKind = "unfollow"
	IntentAcceptFollow IntentKind = "accept_follow"
	// IntentAnnounce forwards an inbound activity from a local community to
	// its followers.
	IntentAnnounce     IntentKind = "announce"
)

// Intent is the request to federate one state change. It is built by a
// handler after its mutation committed and is consumed exactly once.
type Intent struct {
	ID     uuid.UUID
	Kind   IntentKind
	Actor  Actor  // local entity performing the action
	Object Object // target of the action

	Reason   string   // moderator reason for Remove
	Undo     bool     // reverses Delete/Remove (restore)
	Score    int      // Vote: 1, -1, or 0 to retract
	Mentions []string // ApIDs of mentioned actors
	FollowID string   // AcceptFollow: id of the Follow being accepted
	Activity []byte   // Announce: the inbound activity being forwarded

	CreatedAt time.Time
}

// NewIntent fills ID and CreatedAt.
func NewIntent(kind IntentKind, actor Actor, object Object) Intent {
	return Intent{
		ID:        uuid.New(),
		Kind:      kind,
		Actor:     actor,
		Object:    object,
		CreatedAt: time.Now(),
	}
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryTask is one signed activity bound for one inbox. Payload and Digest
// are computed once per intent; the HTTP signature is made per attempt.
type DeliveryTask struct {
	ID            uuid.UUID
	IntentID      uuid.UUID
	InboxURL      string
	ActivityID    string
	Payload       []byte
	Digest        string
	SignerApID    string
	Attempts      int
	NextAttemptAt time.Time
	Status        DeliveryStatus
	LastError     string
	CreatedAt     time.Time
}

// ReceivedActivity is the dedupe record of an inbound activity id.
type ReceivedActivity struct {
	ApID       string
	ActorApID  string
	Type       string
	ReceivedAt time.Time
}
