package federation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/stretchr/testify/require"
)

const testLocalDomain = "local.test"

var testKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

func privatePEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(testKey())}))
}

func publicPEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&testKey().PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func localPerson(t *testing.T, store *db.DB, name string) domain.Person {
	t.Helper()
	apID := activitypub.PersonURL(testLocalDomain, name)
	p := domain.Person{
		ApID:          apID,
		Name:          name,
		Instance:      testLocalDomain,
		InboxURL:      apID + "/inbox",
		PublicKeyPem:  publicPEM(t),
		PrivateKeyPem: privatePEM(),
		Local:         true,
		Published:     time.Now(),
	}
	id, err := store.UpsertPerson(context.Background(), p)
	require.NoError(t, err)
	p.Id = id
	return p
}

func localCommunity(t *testing.T, store *db.DB, name string) domain.Community {
	t.Helper()
	apID := activitypub.CommunityURL(testLocalDomain, name)
	c := domain.Community{
		ApID:          apID,
		Name:          name,
		Title:         name,
		Instance:      testLocalDomain,
		InboxURL:      apID + "/inbox",
		FollowersURL:  apID + "/followers",
		PublicKeyPem:  publicPEM(t),
		PrivateKeyPem: privatePEM(),
		Local:         true,
		Published:     time.Now(),
	}
	id, err := store.UpsertCommunity(context.Background(), c)
	require.NoError(t, err)
	c.Id = id
	return c
}

// remotePerson stores a person of host; shared selects a shared inbox.
func remotePerson(t *testing.T, store *db.DB, host, name string, shared bool) domain.Person {
	t.Helper()
	apID := "https://" + host + "/u/" + name
	p := domain.Person{
		ApID:            apID,
		Name:            name,
		Instance:        host,
		InboxURL:        apID + "/inbox",
		PublicKeyPem:    publicPEM(t),
		Published:       time.Now(),
		LastRefreshedAt: time.Now(),
	}
	if shared {
		p.SharedInboxURL = "https://" + host + "/inbox"
	}
	id, err := store.UpsertPerson(context.Background(), p)
	require.NoError(t, err)
	p.Id = id
	return p
}

func remoteCommunity(t *testing.T, store *db.DB, host, name string) domain.Community {
	t.Helper()
	apID := "https://" + host + "/c/" + name
	c := domain.Community{
		ApID:            apID,
		Name:            name,
		Title:           name,
		Instance:        host,
		InboxURL:        apID + "/inbox",
		SharedInboxURL:  "https://" + host + "/inbox",
		FollowersURL:    apID + "/followers",
		PublicKeyPem:    publicPEM(t),
		Published:       time.Now(),
		LastRefreshedAt: time.Now(),
	}
	id, err := store.UpsertCommunity(context.Background(), c)
	require.NoError(t, err)
	c.Id = id
	return c
}

func follow(t *testing.T, store *db.DB, c domain.Community, p domain.Person) {
	t.Helper()
	require.NoError(t, store.UpsertCommunityFollow(context.Background(), domain.CommunityFollow{
		CommunityId: c.Id,
		PersonId:    p.Id,
		FollowApID:  p.ApID + "/follow/" + c.Name,
		Published:   time.Now(),
	}))
}

func post(t *testing.T, store *db.DB, creator domain.Person, c domain.Community, name string) domain.Post {
	t.Helper()
	p := domain.Post{
		Name:        name,
		Body:        "body of " + name,
		CreatorId:   creator.Id,
		CommunityId: c.Id,
		Local:       creator.Local,
		Published:   time.Now(),
	}
	p.ApID = fmt.Sprintf("https://%s/post/%s", creator.Instance, name)
	id, err := store.UpsertPost(context.Background(), p)
	require.NoError(t, err)
	p.Id = id
	return p
}

func comment(t *testing.T, store *db.DB, creator domain.Person, parent domain.Post, parentComment int64, content string) domain.Comment {
	t.Helper()
	c := domain.Comment{
		Content:   content,
		CreatorId: creator.Id,
		PostId:    parent.Id,
		ParentId:  parentComment,
		Local:     creator.Local,
		Published: time.Now(),
	}
	c.ApID = fmt.Sprintf("https://%s/comment/%d", creator.Instance, time.Now().UnixNano())
	id, err := store.UpsertComment(context.Background(), c)
	require.NoError(t, err)
	c.Id = id
	return c
}

// actorMap resolves mentions from a fixed set.
type actorMap map[string]domain.Actor

func (m actorMap) ResolveActor(_ context.Context, apID string, _ bool) (domain.Actor, error) {
	a, ok := m[apID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", activitypub.ErrNotFound, apID)
	}
	return a, nil
}

// recordingPool collects enqueued tasks.
type recordingPool struct {
	mu    sync.Mutex
	tasks []domain.DeliveryTask
	added chan struct{}
}

func newRecordingPool() *recordingPool {
	return &recordingPool{added: make(chan struct{}, 64)}
}

func (p *recordingPool) Enqueue(_ context.Context, tasks ...domain.DeliveryTask) error {
	p.mu.Lock()
	p.tasks = append(p.tasks, tasks...)
	p.mu.Unlock()
	p.added <- struct{}{}
	return nil
}

func (p *recordingPool) enqueued() []domain.DeliveryTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DeliveryTask(nil), p.tasks...)
}

func inboxesOf(tasks []domain.DeliveryTask) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.InboxURL)
	}
	return out
}
