package activitypub

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/stretchr/testify/require"
)

const testLocalDomain = "local.test"

var (
	testKey      = sync.OnceValue(func() *rsa.PrivateKey { return mustKey() })
	testOtherKey = sync.OnceValue(func() *rsa.PrivateKey { return mustKey() })
)

func mustKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

// privateKeyToPEM converts private key to PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// publicKeyToPEM converts public key to PEM string
func publicKeyToPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyBytes}))
}

type cannedResponse struct {
	status      int
	contentType string
	body        []byte
}

// remoteServer plays a remote instance serving documents by path.
type remoteServer struct {
	*httptest.Server

	mu    sync.Mutex
	docs  map[string]cannedResponse
	hits  map[string]int
	delay chan struct{}
	// gates hold requests for one path until closed
	gates map[string]chan struct{}
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	rs := &remoteServer{docs: map[string]cannedResponse{}, hits: map[string]int{}, gates: map[string]chan struct{}{}}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.serve))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) serve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	rs.mu.Lock()
	rs.hits[key]++
	resp, ok := rs.docs[key]
	gate := rs.delay
	pathGate := rs.gates[key]
	rs.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if pathGate != nil {
		<-pathGate
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", resp.contentType)
	w.WriteHeader(resp.status)
	w.Write(resp.body)
}

// hold makes requests for path wait until the returned channel is closed.
func (rs *remoteServer) hold(path string) chan struct{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	gate := make(chan struct{})
	rs.gates[path] = gate
	return gate
}

func (rs *remoteServer) host() string {
	u, _ := url.Parse(rs.URL)
	return u.Host
}

func (rs *remoteServer) url(path string) string {
	return rs.URL + path
}

func (rs *remoteServer) put(path string, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	rs.putRaw(path, http.StatusOK, ContentType, body)
}

func (rs *remoteServer) putRaw(path string, status int, contentType string, body []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.docs[path] = cannedResponse{status: status, contentType: contentType, body: body}
}

func (rs *remoteServer) hitCount(path string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.hits[path]
}

func (rs *remoteServer) personDoc(t *testing.T, name string, key *rsa.PrivateKey) ActorDocument {
	id := rs.url("/u/" + name)
	return ActorDocument{
		Context:           DefaultContext,
		ID:                id,
		Type:              TypePerson,
		PreferredUsername: name,
		Inbox:             id + "/inbox",
		Endpoints:         &Endpoints{SharedInbox: rs.url("/inbox")},
		PublicKey:         PublicKey{ID: id + "#main-key", Owner: id, PublicKeyPem: publicKeyToPEM(t, &key.PublicKey)},
	}
}

func (rs *remoteServer) groupDoc(t *testing.T, name string, key *rsa.PrivateKey) ActorDocument {
	doc := rs.personDoc(t, name, key)
	id := rs.url("/c/" + name)
	doc.ID = id
	doc.Type = TypeGroup
	doc.Inbox = id + "/inbox"
	doc.Followers = id + "/followers"
	doc.PublicKey.ID = id + "#main-key"
	doc.PublicKey.Owner = id
	return doc
}

func (rs *remoteServer) pageDoc(path, creator, community, name string) ObjectDocument {
	return ObjectDocument{
		Context:      DefaultContext,
		ID:           rs.url(path),
		Type:         TypePage,
		AttributedTo: IDRef(creator),
		To:           Addresses{community, PublicCollection},
		Audience:     community,
		Name:         name,
		Content:      "body of " + name,
	}
}

func (rs *remoteServer) noteDoc(path, creator, inReplyTo, content string) ObjectDocument {
	return ObjectDocument{
		Context:      DefaultContext,
		ID:           rs.url(path),
		Type:         TypeNote,
		AttributedTo: IDRef(creator),
		To:           Addresses{PublicCollection},
		Content:      content,
		InReplyTo:    inReplyTo,
	}
}

// setupTestDB creates a migrated in-memory SQLite database for testing
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestResolver(t *testing.T, store *db.DB) *Resolver {
	t.Helper()
	fetcher := NewFetcher(FetcherConfig{Timeout: 5 * time.Second, AllowInsecure: true}, nil, nil)
	return NewResolver(store, NewMemoryCache(0), fetcher, ResolverConfig{
		LocalDomain:   testLocalDomain,
		FlightTimeout: 5 * time.Second,
	}, nil, nil)
}

func createLocalCommunity(t *testing.T, store *db.DB, name string) domain.Community {
	t.Helper()
	c := domain.Community{
		ApID:          CommunityURL(testLocalDomain, name),
		Name:          name,
		Title:         name,
		Instance:      testLocalDomain,
		InboxURL:      CommunityURL(testLocalDomain, name) + "/inbox",
		FollowersURL:  CommunityURL(testLocalDomain, name) + "/followers",
		PublicKeyPem:  publicKeyToPEM(t, &testKey().PublicKey),
		PrivateKeyPem: privateKeyToPEM(testKey()),
		Local:         true,
		Published:     time.Now(),
	}
	id, err := store.UpsertCommunity(context.Background(), c)
	require.NoError(t, err)
	c.Id = id
	return c
}

func createLocalPerson(t *testing.T, store *db.DB, name string) domain.Person {
	t.Helper()
	p := domain.Person{
		ApID:          PersonURL(testLocalDomain, name),
		Name:          name,
		Instance:      testLocalDomain,
		InboxURL:      PersonURL(testLocalDomain, name) + "/inbox",
		PublicKeyPem:  publicKeyToPEM(t, &testKey().PublicKey),
		PrivateKeyPem: privateKeyToPEM(testKey()),
		Local:         true,
		Published:     time.Now(),
	}
	id, err := store.UpsertPerson(context.Background(), p)
	require.NoError(t, err)
	p.Id = id
	return p
}

// staticActors is an ActorSource over a fixed set of actors. After
// Invalidate an actor is served from rotated, if present.
type staticActors struct {
	mu          sync.Mutex
	actors      map[string]domain.Actor
	rotated     map[string]domain.Actor
	invalidated []string
}

func (s *staticActors) ResolveActor(_ context.Context, apID string, _ bool) (domain.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[apID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, apID)
	}
	return a, nil
}

func (s *staticActors) Invalidate(_ context.Context, apID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, apID)
	if a, ok := s.rotated[apID]; ok {
		s.actors[apID] = a
	}
	return nil
}

type recordingSubmitter struct {
	mu      sync.Mutex
	intents []domain.Intent
}

func (s *recordingSubmitter) Submit(intent domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, intent)
	return nil
}

func (s *recordingSubmitter) submitted() []domain.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Intent(nil), s.intents...)
}
