package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/threadfed/domain"
)

// Negative reasons stored for confirmed failures.
const (
	negativeNotFound = "not_found"
	negativeInvalid  = "invalid_payload"
)

// Cache holds resolved remote objects keyed by ApID, plus a separate
// keyspace of confirmed-absent or invalid ids.
type Cache interface {
	Get(ctx context.Context, apID string) (domain.Object, bool, error)
	Set(ctx context.Context, obj domain.Object, ttl time.Duration) error
	// GetNegative returns the reason apID was negatively cached, or "".
	GetNegative(ctx context.Context, apID string) (string, error)
	SetNegative(ctx context.Context, apID string, cause error, ttl time.Duration) error
	Delete(ctx context.Context, apID string) error
}

func negativeReason(cause error) string {
	if errors.Is(cause, ErrNotFound) {
		return negativeNotFound
	}
	return negativeInvalid
}

func negativeError(apID, reason string) error {
	if reason == negativeNotFound {
		return fmt.Errorf("%w: %s (cached)", ErrNotFound, apID)
	}
	return fmt.Errorf("%w: %s (cached)", ErrInvalidPayload, apID)
}

type memoryEntry struct {
	object    domain.Object
	reason    string
	expiresAt time.Time
}

// MemoryCache is an in-process Cache. Expired entries are dropped lazily.
type MemoryCache struct {
	mu         sync.RWMutex
	objects    map[string]memoryEntry
	negatives  map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		objects:    make(map[string]memoryEntry),
		negatives:  make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, apID string) (domain.Object, bool, error) {
	c.mu.RLock()
	e, ok := c.objects[apID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.object, true, nil
}

func (c *MemoryCache) Set(_ context.Context, obj domain.Object, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.objects)
	c.objects[obj.APID()] = memoryEntry{object: obj, expiresAt: c.now().Add(ttl)}
	delete(c.negatives, obj.APID())
	return nil
}

func (c *MemoryCache) GetNegative(_ context.Context, apID string) (string, error) {
	c.mu.RLock()
	e, ok := c.negatives[apID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return "", nil
	}
	return e.reason, nil
}

func (c *MemoryCache) SetNegative(_ context.Context, apID string, cause error, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.negatives)
	c.negatives[apID] = memoryEntry{reason: negativeReason(cause), expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, apID string) error {
	c.mu.Lock()
	delete(c.objects, apID)
	delete(c.negatives, apID)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

// purgeLocked drops expired entries once m is full. If that frees nothing,
// an arbitrary entry is evicted.
func (c *MemoryCache) purgeLocked(m map[string]memoryEntry) {
	if len(m) < c.maxEntries {
		return
	}
	now := c.now()
	for k, e := range m {
		if !now.Before(e.expiresAt) {
			delete(m, k)
		}
	}
	if len(m) < c.maxEntries {
		return
	}
	for k := range m {
		delete(m, k)
		break
	}
}

// cachedObject is the serialized form of a cache entry.
type cachedObject struct {
	Kind   string          `json:"kind"`
	Object json.RawMessage `json:"object"`
}

func encodeObject(obj domain.Object) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cachedObject{Kind: obj.Kind().String(), Object: raw})
}

func decodeObject(data []byte) (domain.Object, error) {
	var c cachedObject
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	kind, err := domain.ParseKind(c.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case domain.KindPerson:
		return decodeAs[domain.Person](c.Object)
	case domain.KindCommunity:
		return decodeAs[domain.Community](c.Object)
	case domain.KindPost:
		return decodeAs[domain.Post](c.Object)
	case domain.KindComment:
		return decodeAs[domain.Comment](c.Object)
	case domain.KindPrivateMessage:
		return decodeAs[domain.PrivateMessage](c.Object)
	}
	return nil, fmt.Errorf("cannot decode cached %s", kind)
}

func decodeAs[T domain.Object](raw json.RawMessage) (domain.Object, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
