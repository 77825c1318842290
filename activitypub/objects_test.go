package activitypub

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/threadfed/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectURLs(t *testing.T) {
	assert.Equal(t, "https://local.test/u/alice", PersonURL("local.test", "alice"))
	assert.Equal(t, "https://local.test/c/main", CommunityURL("local.test", "main"))
	assert.Equal(t, "https://local.test/post/3", ObjectURL("local.test", domain.KindPost, 3))
	assert.Equal(t, "https://local.test/comment/4", ObjectURL("local.test", domain.KindComment, 4))
	assert.Equal(t, "https://local.test/private_message/5", ObjectURL("local.test", domain.KindPrivateMessage, 5))
	assert.Equal(t, "https://local.test/inbox", SharedInboxURL("local.test"))
}

func TestRenderActors(t *testing.T) {
	store := setupTestDB(t)
	r := NewRenderer(store, testLocalDomain)
	alice := createLocalPerson(t, store, "alice")
	main := createLocalCommunity(t, store, "main")

	person := r.Actor(alice)
	assert.Equal(t, TypePerson, person.Type)
	assert.Equal(t, "alice", person.PreferredUsername)
	assert.Equal(t, alice.ApID, person.PublicKey.Owner)
	assert.Equal(t, alice.ApID+"#main-key", person.PublicKey.ID)
	assert.Equal(t, "https://local.test/inbox", person.Endpoints.SharedInbox)

	group := r.Actor(main)
	assert.Equal(t, TypeGroup, group.Type)
	assert.Equal(t, main.FollowersURL, group.Followers)

	// a rendered actor converts back into the same actor
	back, err := actorFromDocument(group, domain.KindCommunity, time.Now())
	require.NoError(t, err)
	assert.Equal(t, main.ApID, back.APID())
	assert.Equal(t, testLocalDomain, back.(domain.Community).Instance)
}

func TestRenderContent(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	r := NewRenderer(store, testLocalDomain)
	alice := createLocalPerson(t, store, "alice")
	bob := createLocalPerson(t, store, "bob")
	main := createLocalCommunity(t, store, "main")

	postID, err := store.UpsertPost(ctx, domain.Post{
		ApID: ObjectURL(testLocalDomain, domain.KindPost, 1), Name: "hello", Body: "first",
		CreatorId: alice.Id, CommunityId: main.Id, Local: true, Published: time.Now(),
	})
	require.NoError(t, err)
	post, err := store.ReadPostById(ctx, postID)
	require.NoError(t, err)

	doc, err := r.Object(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, TypePage, doc.Type)
	assert.Equal(t, alice.ApID, doc.AttributedTo.ID)
	assert.Equal(t, Addresses{main.ApID, PublicCollection}, doc.To)
	assert.Equal(t, main.ApID, doc.Audience)
	assert.Equal(t, "hello", doc.Name)

	commentID, err := store.UpsertComment(ctx, domain.Comment{
		ApID: ObjectURL(testLocalDomain, domain.KindComment, 1), Content: "reply",
		CreatorId: bob.Id, PostId: post.Id, Local: true, Published: time.Now(),
	})
	require.NoError(t, err)
	comment, err := store.ReadCommentById(ctx, commentID)
	require.NoError(t, err)

	doc, err = r.Object(ctx, comment)
	require.NoError(t, err)
	assert.Equal(t, TypeNote, doc.Type)
	assert.Equal(t, post.ApID, doc.InReplyTo)
	assert.Equal(t, Addresses{main.ApID, alice.ApID}, doc.CC)

	replyID, err := store.UpsertComment(ctx, domain.Comment{
		ApID: ObjectURL(testLocalDomain, domain.KindComment, 2), Content: "reply to reply",
		CreatorId: bob.Id, PostId: post.Id, ParentId: comment.Id, Local: true, Published: time.Now(),
	})
	require.NoError(t, err)
	reply, err := store.ReadCommentById(ctx, replyID)
	require.NoError(t, err)

	doc, err = r.Object(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, comment.ApID, doc.InReplyTo)
	assert.Equal(t, Addresses{main.ApID}, doc.CC, "replying to oneself adds no cc")
}

func TestRenderDeletedAsTombstone(t *testing.T) {
	store := setupTestDB(t)
	r := NewRenderer(store, testLocalDomain)

	doc, err := r.Object(context.Background(), domain.Post{ApID: "https://local.test/post/9", Removed: true})
	require.NoError(t, err)
	assert.Equal(t, TypeTombstone, doc.Type)
	assert.Equal(t, TypePage, doc.FormerType)

	doc, err = r.Object(context.Background(), domain.PrivateMessage{ApID: "https://local.test/private_message/9", Deleted: true})
	require.NoError(t, err)
	assert.Equal(t, TypeChatMessage, doc.FormerType)

	_, err = r.Object(context.Background(), domain.Person{ApID: "https://local.test/u/alice"})
	assert.Error(t, err)
}

func TestRenderPrivateMessage(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	r := NewRenderer(store, testLocalDomain)
	alice := createLocalPerson(t, store, "alice")
	bob := createLocalPerson(t, store, "bob")

	doc, err := r.Object(ctx, domain.PrivateMessage{
		ApID: "https://local.test/private_message/1", Content: "hi", CreatorId: alice.Id, RecipientId: bob.Id,
	})
	require.NoError(t, err)
	assert.Equal(t, TypeChatMessage, doc.Type)
	assert.Equal(t, Addresses{bob.ApID}, doc.To)
	assert.Equal(t, alice.ApID, doc.AttributedTo.ID)
}
