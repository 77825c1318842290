package federation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchFixture struct {
	store      *db.DB
	pool       *recordingPool
	dispatcher *Dispatcher
	mentions   actorMap
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{store: setupTestDB(t), pool: newRecordingPool(), mentions: actorMap{}}
	f.dispatcher = NewDispatcher(f.store, f.mentions, f.pool, DispatcherConfig{LocalDomain: testLocalDomain, QueueSize: 8}, nil, nil)
	return f
}

// run dispatches synchronously and returns the tasks handed to the pool.
func (f *dispatchFixture) run(t *testing.T, in domain.Intent) []domain.DeliveryTask {
	t.Helper()
	before := len(f.pool.enqueued())
	f.dispatcher.dispatch(context.Background(), in)
	return f.pool.enqueued()[before:]
}

func decodePayload(t *testing.T, task domain.DeliveryTask) activitypub.Activity {
	t.Helper()
	var act activitypub.Activity
	require.NoError(t, json.Unmarshal(task.Payload, &act))
	return act
}

func innerActivity(t *testing.T, act activitypub.Activity) activitypub.Activity {
	t.Helper()
	require.True(t, act.Object.Embedded(), "object of %s is not embedded", act.Type)
	var inner activitypub.Activity
	require.NoError(t, act.Object.Decode(&inner))
	return inner
}

func TestSubmitRejectsInvalidIntents(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	main := localCommunity(t, f.store, "main")
	remote := remotePerson(t, f.store, "remote.example", "bob", false)

	tests := []struct {
		name   string
		intent domain.Intent
	}{
		{name: "no actor", intent: domain.NewIntent(domain.IntentCreate, nil, main)},
		{name: "remote actor", intent: domain.NewIntent(domain.IntentCreate, remote, main)},
		{name: "no object", intent: domain.NewIntent(domain.IntentCreate, alice, nil)},
		{name: "unknown kind", intent: domain.NewIntent("poke", alice, main)},
		{name: "vote score", intent: func() domain.Intent {
			in := domain.NewIntent(domain.IntentVote, alice, main)
			in.Score = 5
			return in
		}()},
		{name: "accept without follow id", intent: domain.NewIntent(domain.IntentAcceptFollow, main, remote)},
		{name: "announce by a person", intent: func() domain.Intent {
			in := domain.NewIntent(domain.IntentAnnounce, alice, main)
			in.Activity = []byte(`{}`)
			return in
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.dispatcher.Submit(tt.intent), ErrInvalidIntent)
		})
	}
}

func TestSubmitDoesNotBlockWhenFull(t *testing.T) {
	store := setupTestDB(t)
	alice := localPerson(t, store, "alice")
	main := localCommunity(t, store, "main")
	d := NewDispatcher(store, actorMap{}, newRecordingPool(), DispatcherConfig{LocalDomain: testLocalDomain, QueueSize: 2}, nil, nil)

	require.NoError(t, d.Submit(domain.NewIntent(domain.IntentFollow, alice, main)))
	require.NoError(t, d.Submit(domain.NewIntent(domain.IntentFollow, alice, main)))

	start := time.Now()
	err := d.Submit(domain.NewIntent(domain.IntentFollow, alice, main))
	assert.ErrorIs(t, err, ErrDispatchQueueFull)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLocalCommunityPostIsAnnouncedToFollowers(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	main := localCommunity(t, f.store, "main")

	// two followers behind one shared inbox, one with a personal inbox
	follow(t, f.store, main, remotePerson(t, f.store, "a.example", "ann", true))
	follow(t, f.store, main, remotePerson(t, f.store, "a.example", "abe", true))
	follow(t, f.store, main, remotePerson(t, f.store, "b.example", "ben", false))
	follow(t, f.store, main, localPerson(t, f.store, "carol"))

	p := post(t, f.store, alice, main, "hello")
	in := domain.NewIntent(domain.IntentCreate, alice, p)
	tasks := f.run(t, in)

	require.Len(t, tasks, 2)
	assert.Equal(t, []string{"https://a.example/inbox", "https://b.example/u/ben/inbox"}, inboxesOf(tasks))

	act := decodePayload(t, tasks[0])
	assert.Equal(t, activitypub.TypeAnnounce, act.Type)
	assert.Equal(t, ActivityID(testLocalDomain, "announce", in.ID), act.ID)
	assert.Equal(t, main.ApID, act.Actor.ID)
	assert.Equal(t, main.ApID, tasks[0].SignerApID)

	create := innerActivity(t, act)
	assert.Equal(t, activitypub.TypeCreate, create.Type)
	assert.Equal(t, alice.ApID, create.Actor.ID)
	assert.Equal(t, p.ApID, create.Object.ID)
	assert.Equal(t, activitypub.TypePage, create.Object.Type())

	// one payload, one digest, persisted before the hand-off
	assert.Equal(t, tasks[0].Payload, tasks[1].Payload)
	assert.Equal(t, activitypub.Digest(tasks[0].Payload), tasks[1].Digest)
	pending, err := f.store.ReadPendingDeliveries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCommentInRemoteCommunity(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	lemmy := remoteCommunity(t, f.store, "lemmy.example", "golang")
	op := remotePerson(t, f.store, "other.example", "op", true)
	dana := remotePerson(t, f.store, "third.example", "dana", false)
	f.mentions[op.ApID] = op
	f.mentions[dana.ApID] = dana

	p := post(t, f.store, op, lemmy, "question")
	c := comment(t, f.store, alice, p, 0, "answer")

	in := domain.NewIntent(domain.IntentCreate, alice, c)
	in.Mentions = []string{op.ApID, dana.ApID}
	tasks := f.run(t, in)

	// community inbox, then the parent author; mentioning the parent author
	// adds nothing new
	assert.Equal(t, []string{lemmy.InboxURL, "https://other.example/inbox", dana.InboxURL}, inboxesOf(tasks))

	act := decodePayload(t, tasks[0])
	assert.Equal(t, activitypub.TypeCreate, act.Type)
	assert.Equal(t, alice.ApID, tasks[0].SignerApID)
	var note activitypub.ObjectDocument
	require.NoError(t, act.Object.Decode(&note))
	assert.Equal(t, p.ApID, note.InReplyTo)
	require.Len(t, note.Tag, 2)
	assert.Equal(t, "Mention", note.Tag[0].Type)
	assert.True(t, note.CC.Contains(dana.ApID))
}

func TestUnresolvableMentionDropsIntent(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	lemmy := remoteCommunity(t, f.store, "lemmy.example", "golang")
	p := post(t, f.store, alice, lemmy, "hi")

	in := domain.NewIntent(domain.IntentCreate, alice, p)
	in.Mentions = []string{"https://gone.example/u/nobody"}
	assert.Empty(t, f.run(t, in))

	pending, err := f.store.ReadPendingDeliveries(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestVoteActivities(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	lemmy := remoteCommunity(t, f.store, "lemmy.example", "golang")
	op := remotePerson(t, f.store, "lemmy.example", "op", false)
	p := post(t, f.store, op, lemmy, "vote-me")

	tests := []struct {
		score     int
		wantType  string
		wantInner string
	}{
		{score: 1, wantType: activitypub.TypeLike},
		{score: -1, wantType: activitypub.TypeDislike},
		{score: 0, wantType: activitypub.TypeUndo, wantInner: activitypub.TypeLike},
	}
	for _, tt := range tests {
		in := domain.NewIntent(domain.IntentVote, alice, p)
		in.Score = tt.score
		tasks := f.run(t, in)
		require.Len(t, tasks, 1)
		assert.Equal(t, lemmy.InboxURL, tasks[0].InboxURL)

		act := decodePayload(t, tasks[0])
		assert.Equal(t, tt.wantType, act.Type)
		if tt.wantInner != "" {
			inner := innerActivity(t, act)
			assert.Equal(t, tt.wantInner, inner.Type)
			assert.Equal(t, p.ApID, inner.Object.ID)
			assert.NotEqual(t, act.ID, inner.ID)
		} else {
			assert.Equal(t, p.ApID, act.Object.ID)
			assert.Equal(t, lemmy.ApID, act.Audience)
		}
	}
}

func TestFollowAndUnfollow(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	lemmy := remoteCommunity(t, f.store, "lemmy.example", "golang")

	in := domain.NewIntent(domain.IntentFollow, alice, lemmy)
	tasks := f.run(t, in)
	require.Len(t, tasks, 1)
	assert.Equal(t, lemmy.InboxURL, tasks[0].InboxURL)
	act := decodePayload(t, tasks[0])
	assert.Equal(t, activitypub.TypeFollow, act.Type)
	assert.Equal(t, ActivityID(testLocalDomain, activitypub.TypeFollow, in.ID), act.ID)
	assert.Equal(t, lemmy.ApID, act.Object.ID)

	undo := domain.NewIntent(domain.IntentUnfollow, alice, lemmy)
	undo.FollowID = act.ID
	tasks = f.run(t, undo)
	require.Len(t, tasks, 1)
	act = decodePayload(t, tasks[0])
	assert.Equal(t, activitypub.TypeUndo, act.Type)
	inner := innerActivity(t, act)
	assert.Equal(t, ActivityID(testLocalDomain, activitypub.TypeFollow, in.ID), inner.ID)
}

func TestAcceptFollowGoesToFollower(t *testing.T) {
	f := newDispatchFixture(t)
	main := localCommunity(t, f.store, "main")
	bob := remotePerson(t, f.store, "remote.example", "bob", true)

	in := domain.NewIntent(domain.IntentAcceptFollow, main, bob)
	in.FollowID = "https://remote.example/activities/follow/1"
	tasks := f.run(t, in)

	require.Len(t, tasks, 1)
	assert.Equal(t, bob.InboxURL, tasks[0].InboxURL)
	act := decodePayload(t, tasks[0])
	assert.Equal(t, activitypub.TypeAccept, act.Type)
	inner := innerActivity(t, act)
	assert.Equal(t, in.FollowID, inner.ID)
	assert.Equal(t, bob.ApID, inner.Actor.ID)
	assert.Equal(t, main.ApID, inner.Object.ID)
}

func TestModeratorRemoveIsAnnounced(t *testing.T) {
	f := newDispatchFixture(t)
	mod := localPerson(t, f.store, "mod")
	main := localCommunity(t, f.store, "main")
	bob := remotePerson(t, f.store, "remote.example", "bob", true)
	follow(t, f.store, main, bob)
	p := post(t, f.store, bob, main, "spam")

	in := domain.NewIntent(domain.IntentRemove, mod, p)
	in.Reason = "spam"
	tasks := f.run(t, in)
	require.Len(t, tasks, 1)

	act := decodePayload(t, tasks[0])
	assert.Equal(t, activitypub.TypeAnnounce, act.Type)
	remove := innerActivity(t, act)
	assert.Equal(t, activitypub.TypeRemove, remove.Type)
	assert.Equal(t, "spam", remove.Summary)
	assert.Equal(t, main.ApID, remove.Target)

	restore := domain.NewIntent(domain.IntentRemove, mod, p)
	restore.Undo = true
	tasks = f.run(t, restore)
	require.Len(t, tasks, 1)
	undo := innerActivity(t, decodePayload(t, tasks[0]))
	assert.Equal(t, activitypub.TypeUndo, undo.Type)
	assert.Equal(t, activitypub.TypeRemove, innerActivity(t, undo).Type)
}

func TestPrivateMessageGoesToRecipient(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	bob := remotePerson(t, f.store, "remote.example", "bob", true)
	id, err := f.store.UpsertPrivateMessage(context.Background(), domain.PrivateMessage{
		ApID:        "https://local.test/private_message/1",
		Content:     "hi bob",
		CreatorId:   alice.Id,
		RecipientId: bob.Id,
		Local:       true,
		Published:   time.Now(),
	})
	require.NoError(t, err)
	pm, err := f.store.ReadPrivateMessageById(context.Background(), id)
	require.NoError(t, err)

	tasks := f.run(t, domain.NewIntent(domain.IntentCreate, alice, pm))
	require.Len(t, tasks, 1)
	assert.Equal(t, "https://remote.example/inbox", tasks[0].InboxURL)
	act := decodePayload(t, tasks[0])
	assert.Equal(t, activitypub.TypeChatMessage, act.Object.Type())
	assert.Equal(t, activitypub.Addresses{bob.ApID}, act.To)
}

func TestAnnounceSkipsOriginInstance(t *testing.T) {
	f := newDispatchFixture(t)
	main := localCommunity(t, f.store, "main")
	follow(t, f.store, main, remotePerson(t, f.store, "origin.example", "ann", true))
	follow(t, f.store, main, remotePerson(t, f.store, "other.example", "ben", true))

	in := domain.NewIntent(domain.IntentAnnounce, main, main)
	in.Activity = []byte(`{"id":"https://origin.example/activities/like/1","type":"Like","actor":"https://origin.example/u/ann","object":"https://local.test/post/1"}`)
	tasks := f.run(t, in)

	assert.Equal(t, []string{"https://other.example/inbox"}, inboxesOf(tasks))
	act := decodePayload(t, tasks[0])
	assert.Equal(t, "https://origin.example/activities/like/1", act.Object.ID)
	assert.Equal(t, activitypub.TypeLike, act.Object.Type())
}

func TestRunDrainsOnShutdown(t *testing.T) {
	f := newDispatchFixture(t)
	alice := localPerson(t, f.store, "alice")
	lemmy := remoteCommunity(t, f.store, "lemmy.example", "golang")

	for range 3 {
		require.NoError(t, f.dispatcher.Submit(domain.NewIntent(domain.IntentFollow, alice, lemmy)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.dispatcher.Run(ctx)

	assert.Len(t, f.pool.enqueued(), 3)
}

func TestActivityIDIsStable(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, "https://local.test/activities/follow/6ba7b810-9dad-11d1-80b4-00c04fd430c8", ActivityID("local.test", "Follow", id))
}
