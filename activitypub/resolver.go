package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/deemkeen/threadfed/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store is the persistence the resolver reads and upserts through.
type Store interface {
	ReadObjectByApID(ctx context.Context, mask domain.Kind, apID string) (domain.Object, error)
	ReadLocalPersonByName(ctx context.Context, name string) (domain.Person, error)
	ReadLocalCommunityByName(ctx context.Context, name string) (domain.Community, error)
	ReadPersonByHandle(ctx context.Context, name, instance string) (domain.Person, error)
	ReadCommunityByHandle(ctx context.Context, name, instance string) (domain.Community, error)
	ReadPostById(ctx context.Context, id int64) (domain.Post, error)
	ReadCommentById(ctx context.Context, id int64) (domain.Comment, error)
	ReadPrivateMessageById(ctx context.Context, id int64) (domain.PrivateMessage, error)
	UpsertPerson(ctx context.Context, p domain.Person) (int64, error)
	UpsertCommunity(ctx context.Context, c domain.Community) (int64, error)
	UpsertPost(ctx context.Context, p domain.Post) (int64, error)
	UpsertComment(ctx context.Context, c domain.Comment) (int64, error)
	UpsertPrivateMessage(ctx context.Context, m domain.PrivateMessage) (int64, error)
}

type ResolverConfig struct {
	LocalDomain string
	ActorTTL    time.Duration
	ContentTTL  time.Duration
	NegativeTTL time.Duration
	// MaxDepth bounds nested resolution (a comment's parent's parent...).
	MaxDepth int
	// FlightTimeout bounds the wait for another caller's in-flight fetch.
	FlightTimeout time.Duration
}

func (c *ResolverConfig) setDefaults() {
	if c.ActorTTL <= 0 {
		c.ActorTTL = 24 * time.Hour
	}
	if c.ContentTTL <= 0 {
		c.ContentTTL = time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = time.Minute
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 8
	}
	if c.FlightTimeout <= 0 {
		c.FlightTimeout = 30 * time.Second
	}
}

// Resolver turns identifiers into validated domain objects, fetching remote
// ones on a miss. It is safe for concurrent use.
type Resolver struct {
	store   Store
	cache   Cache
	fetcher *Fetcher
	cfg     ResolverConfig
	flights singleflight.Group
	metrics metrics.Sink

	staleMu sync.Mutex
	stale   map[string]struct{}

	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewResolver(store Store, cache Cache, fetcher *Fetcher, cfg ResolverConfig, sink metrics.Sink, logger *zap.Logger) *Resolver {
	cfg.setDefaults()
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   store,
		cache:   cache,
		fetcher: fetcher,
		cfg:     cfg,
		metrics: sink,
		logger:  logger.With(zap.String("component", "resolver")),
		tracer:  otel.Tracer("github.com/deemkeen/threadfed/activitypub"),
		now:     time.Now,
		stale:   make(map[string]struct{}),
	}
}

func (r *Resolver) LocalDomain() string {
	return r.cfg.LocalDomain
}

// Resolve returns the object named by id whose kind is in mask. Remote
// objects missing or stale locally are fetched only when allowFetch is set.
func (r *Resolver) Resolve(ctx context.Context, id domain.Identifier, mask domain.Kind, allowFetch bool) (domain.Object, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve", trace.WithAttributes(
		attribute.String("identifier", id.String()),
		attribute.String("expected_kind", mask.String()),
		attribute.Bool("allow_fetch", allowFetch),
	))
	defer span.End()

	start := r.now()
	obj, err := r.resolve(ctx, id, mask, allowFetch)
	r.metrics.ResolveCompleted(outcomeOf(err), r.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeOf(err))
		return nil, err
	}
	return obj, nil
}

// Resolve is the typed form of Resolver.Resolve: the expected kind is
// derived from T.
func Resolve[T domain.Object](ctx context.Context, r *Resolver, id domain.Identifier, allowFetch bool) (T, error) {
	var zero T
	obj, err := r.Resolve(ctx, id, maskFor[T](), allowFetch)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is a %s", ErrWrongType, obj.APID(), obj.Kind())
	}
	return v, nil
}

func maskFor[T domain.Object]() domain.Kind {
	switch any((*T)(nil)).(type) {
	case *domain.Person:
		return domain.KindPerson
	case *domain.Community:
		return domain.KindCommunity
	case *domain.Post:
		return domain.KindPost
	case *domain.Comment:
		return domain.KindComment
	case *domain.PrivateMessage:
		return domain.KindPrivateMessage
	case *domain.Actor:
		return domain.KindActor
	}
	return domain.KindAny
}

// ResolveActor resolves a person or community by id. It is what the
// signature verifier uses to find key owners.
func (r *Resolver) ResolveActor(ctx context.Context, apID string, allowFetch bool) (domain.Actor, error) {
	u, err := parseReference(apID)
	if err != nil {
		return nil, err
	}
	return Resolve[domain.Actor](ctx, r, domain.RemoteReference(u), allowFetch)
}

// Invalidate drops both the positive and negative cache entries for apID.
// A stored remote row is treated as stale until the next successful fetch;
// ids with no row leave nothing behind.
func (r *Resolver) Invalidate(ctx context.Context, apID string) error {
	if err := r.cache.Delete(ctx, apID); err != nil {
		return err
	}
	stored, err := r.store.ReadObjectByApID(ctx, domain.KindAny, apID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if stored.IsLocal() {
		return nil
	}
	r.staleMu.Lock()
	r.stale[apID] = struct{}{}
	r.staleMu.Unlock()
	return nil
}

// StaleCount returns how many stored rows wait for a refetch.
func (r *Resolver) StaleCount() int {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	return len(r.stale)
}

func (r *Resolver) isStale(apID string) bool {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	_, ok := r.stale[apID]
	return ok
}

func (r *Resolver) clearStale(apID string) {
	r.staleMu.Lock()
	delete(r.stale, apID)
	r.staleMu.Unlock()
}

// flight runs fn at most once per key across concurrent callers. Waiting is
// bounded so two flights that need each other cannot block forever.
func (r *Resolver) flight(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	ch := r.flights.DoChan(key, fn)
	timer := time.NewTimer(r.cfg.FlightTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnreachable, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: waiting for %s timed out", ErrRemoteUnreachable, key)
	}
}

func (r *Resolver) resolve(ctx context.Context, id domain.Identifier, mask domain.Kind, allowFetch bool) (domain.Object, error) {
	if mask == 0 {
		mask = domain.KindAny
	}
	switch {
	case id.IsReference() && id.IsLocal(r.cfg.LocalDomain):
		return r.resolveLocalReference(ctx, id.URL.String(), mask)
	case id.IsReference():
		return r.resolveRemote(ctx, id.URL.String(), mask, allowFetch)
	case id.IsLocal(r.cfg.LocalDomain):
		return r.resolveLocalHandle(ctx, id.Name, mask)
	default:
		return r.resolveRemoteHandle(ctx, id, mask, allowFetch)
	}
}

// resolveReference resolves an id found inside a document. Ids on our own
// domain are local lookups.
func (r *Resolver) resolveReference(ctx context.Context, apID string, mask domain.Kind) (domain.Object, error) {
	u, err := parseReference(apID)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(u.Host, r.cfg.LocalDomain) {
		return r.resolveLocalReference(ctx, apID, mask)
	}
	return r.resolveRemote(ctx, apID, mask, true)
}

func (r *Resolver) resolveLocalReference(ctx context.Context, apID string, mask domain.Kind) (domain.Object, error) {
	obj, err := r.store.ReadObjectByApID(ctx, domain.KindAny, apID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, apID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !mask.Matches(obj.Kind()) {
		return nil, fmt.Errorf("%w: %s is a %s, want %s", ErrWrongType, apID, obj.Kind(), mask)
	}
	return obj, nil
}

func (r *Resolver) resolveLocalHandle(ctx context.Context, name string, mask domain.Kind) (domain.Object, error) {
	type lookup struct {
		kind domain.Kind
		read func() (domain.Object, error)
	}
	lookups := []lookup{
		{domain.KindCommunity, func() (domain.Object, error) { return asObject(r.store.ReadLocalCommunityByName(ctx, name)) }},
		{domain.KindPerson, func() (domain.Object, error) { return asObject(r.store.ReadLocalPersonByName(ctx, name)) }},
	}
	if n, err := strconv.ParseInt(name, 10, 64); err == nil {
		lookups = append(lookups,
			lookup{domain.KindPost, func() (domain.Object, error) { return asObject(r.store.ReadPostById(ctx, n)) }},
			lookup{domain.KindComment, func() (domain.Object, error) { return asObject(r.store.ReadCommentById(ctx, n)) }},
			lookup{domain.KindPrivateMessage, func() (domain.Object, error) { return asObject(r.store.ReadPrivateMessageById(ctx, n)) }},
		)
	}

	for _, l := range lookups {
		if !mask.Matches(l.kind) {
			continue
		}
		obj, err := l.read()
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if obj.IsLocal() {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: local %s %q", ErrNotFound, mask, name)
}

func (r *Resolver) resolveRemoteHandle(ctx context.Context, id domain.Identifier, mask domain.Kind, allowFetch bool) (domain.Object, error) {
	if mask.Matches(domain.KindCommunity) {
		c, err := r.store.ReadCommunityByHandle(ctx, id.Name, id.Domain)
		if err == nil && r.fresh(c) {
			return c, nil
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if mask.Matches(domain.KindPerson) {
		p, err := r.store.ReadPersonByHandle(ctx, id.Name, id.Domain)
		if err == nil && r.fresh(p) {
			return p, nil
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if !mask.Matches(domain.KindActor) {
		return nil, fmt.Errorf("%w: handles name actors, want %s", ErrWrongType, mask)
	}
	if !allowFetch {
		return nil, fmt.Errorf("%w: %s", ErrResolutionDisabled, id)
	}
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher", ErrResolutionDisabled)
	}

	v, err := r.flight(ctx, "acct:"+id.Name+"@"+id.Domain, func() (any, error) {
		return r.fetcher.FetchWebfingerDocument(context.WithoutCancel(ctx), id.Name, id.Domain)
	})
	if err != nil {
		return nil, err
	}
	ref, err := v.(*WebfingerResponse).SelfLink(mask)
	if err != nil {
		return nil, err
	}
	return r.resolveRemote(ctx, ref.String(), mask, true)
}

func (r *Resolver) resolveRemote(ctx context.Context, apID string, mask domain.Kind, allowFetch bool) (domain.Object, error) {
	chain := chainFrom(ctx)
	if slices.Contains(chain, apID) {
		return nil, fmt.Errorf("%w: reference cycle through %s", ErrInvalidPayload, apID)
	}
	if len(chain) >= r.cfg.MaxDepth {
		return nil, fmt.Errorf("%w: resolution deeper than %d at %s", ErrInvalidPayload, r.cfg.MaxDepth, apID)
	}

	if reason, err := r.cache.GetNegative(ctx, apID); err != nil {
		r.logger.Warn("negative cache lookup failed", zap.String("ap_id", apID), zap.Error(err))
	} else if reason != "" {
		r.metrics.CacheLookup(true)
		return nil, negativeError(apID, reason)
	}

	obj, hit, err := r.cache.Get(ctx, apID)
	if err != nil {
		r.logger.Warn("cache lookup failed", zap.String("ap_id", apID), zap.Error(err))
	}
	r.metrics.CacheLookup(hit)
	if hit {
		return checkKind(obj, mask)
	}

	stored, err := r.store.ReadObjectByApID(ctx, domain.KindAny, apID)
	switch {
	case err == nil:
		if _, err := checkKind(stored, mask); err != nil {
			return nil, err
		}
		if r.fresh(stored) {
			r.cacheObject(ctx, stored)
			return stored, nil
		}
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if !allowFetch {
		return nil, fmt.Errorf("%w: %s", ErrResolutionDisabled, apID)
	}
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher", ErrResolutionDisabled)
	}

	// one fetch per reference whatever kind each caller expects
	fctx := withChain(context.WithoutCancel(ctx), apID)
	v, err := r.flight(ctx, "fetch|"+apID, func() (any, error) {
		return r.fetchAndStore(fctx, apID, mask)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*fetched)
	if !mask.Matches(res.kind) {
		return nil, fmt.Errorf("%w: %s is a %s, want %s", ErrWrongType, apID, res.kind, mask)
	}
	if res.obj != nil {
		return res.obj, nil
	}

	// the fetching caller expected another kind, so nothing is stored yet
	v, err = r.flight(ctx, "store|"+apID, func() (any, error) {
		return r.storeFetched(fctx, apID, res.body, res.kind)
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.Object), nil
}

// fetched is the verified document shared by every caller waiting on one
// fetch. obj is set when the fetching caller's kind admitted the document.
type fetched struct {
	body []byte
	kind domain.Kind
	obj  domain.Object
}

// fetchAndStore fetches apID and checks its identity. The document is
// converted and stored only when mask admits its kind.
func (r *Resolver) fetchAndStore(ctx context.Context, apID string, mask domain.Kind) (*fetched, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.fetch", trace.WithAttributes(attribute.String("ap_id", apID)))
	defer span.End()

	u, err := parseReference(apID)
	if err != nil {
		return nil, err
	}
	body, err := r.fetcher.FetchObject(ctx, u)
	if err != nil {
		r.remember(ctx, apID, err)
		return nil, err
	}

	head, err := decodeHead(body)
	if err != nil {
		r.remember(ctx, apID, err)
		return nil, err
	}
	// identity failures are never cached: another reference may legitimately
	// point at this id later
	if head.ID != apID {
		r.logger.Warn("fetched document has a different id", zap.String("requested", apID), zap.String("id", head.ID))
		return nil, fmt.Errorf("%w: requested %s but document id is %s", ErrInvalidPayload, apID, head.ID)
	}

	if head.Type == TypeTombstone {
		err := fmt.Errorf("%w: %s is a tombstone", ErrNotFound, apID)
		r.remember(ctx, apID, err)
		return nil, err
	}

	kind, err := kindOf(head)
	if err != nil {
		r.remember(ctx, apID, err)
		return nil, err
	}
	res := &fetched{body: body, kind: kind}
	if !mask.Matches(kind) {
		return res, nil
	}
	if res.obj, err = r.storeFetched(ctx, apID, body, kind); err != nil {
		return nil, err
	}
	return res, nil
}

// storeFetched converts a verified document and upserts it.
func (r *Resolver) storeFetched(ctx context.Context, apID string, body []byte, kind domain.Kind) (domain.Object, error) {
	obj, err := r.convert(ctx, body, kind)
	if err != nil {
		r.remember(ctx, apID, err)
		return nil, err
	}

	obj, err = r.upsert(ctx, obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	r.clearStale(apID)
	r.cacheObject(ctx, obj)
	r.logger.Debug("resolved remote object", zap.String("ap_id", apID), zap.Stringer("kind", kind))
	return obj, nil
}

// remember negatively caches confirmed failures.
func (r *Resolver) remember(ctx context.Context, apID string, err error) {
	if !negativelyCacheable(err) {
		return
	}
	if cerr := r.cache.SetNegative(ctx, apID, err, r.cfg.NegativeTTL); cerr != nil {
		r.logger.Warn("failed to write negative cache", zap.String("ap_id", apID), zap.Error(cerr))
	}
}

func (r *Resolver) cacheObject(ctx context.Context, obj domain.Object) {
	if obj.IsLocal() {
		return
	}
	if err := r.cache.Set(ctx, obj, r.ttl(obj.Kind())); err != nil {
		r.logger.Warn("failed to write cache", zap.String("ap_id", obj.APID()), zap.Error(err))
	}
}

func (r *Resolver) ttl(kind domain.Kind) time.Duration {
	if domain.KindActor.Matches(kind) {
		return r.cfg.ActorTTL
	}
	return r.cfg.ContentTTL
}

// fresh reports whether a stored object can be served without refetching.
// Content rows carry no refresh time and are refreshed only by inbound
// Update activities.
func (r *Resolver) fresh(obj domain.Object) bool {
	if obj.IsLocal() {
		return true
	}
	if r.isStale(obj.APID()) {
		return false
	}
	switch o := obj.(type) {
	case domain.Person:
		return r.now().Sub(o.LastRefreshedAt) < r.cfg.ActorTTL
	case domain.Community:
		return r.now().Sub(o.LastRefreshedAt) < r.cfg.ActorTTL
	}
	return true
}

func (r *Resolver) upsert(ctx context.Context, obj domain.Object) (domain.Object, error) {
	var err error
	switch o := obj.(type) {
	case domain.Person:
		o.LastRefreshedAt = r.now()
		o.Id, err = r.store.UpsertPerson(ctx, o)
		return o, err
	case domain.Community:
		o.LastRefreshedAt = r.now()
		o.Id, err = r.store.UpsertCommunity(ctx, o)
		return o, err
	case domain.Post:
		o.Id, err = r.store.UpsertPost(ctx, o)
		return o, err
	case domain.Comment:
		o.Id, err = r.store.UpsertComment(ctx, o)
		return o, err
	case domain.PrivateMessage:
		o.Id, err = r.store.UpsertPrivateMessage(ctx, o)
		return o, err
	}
	return nil, fmt.Errorf("cannot store %T", obj)
}

func checkKind(obj domain.Object, mask domain.Kind) (domain.Object, error) {
	if !mask.Matches(obj.Kind()) {
		return nil, fmt.Errorf("%w: %s is a %s, want %s", ErrWrongType, obj.APID(), obj.Kind(), mask)
	}
	return obj, nil
}

func asObject[T domain.Object](v T, err error) (domain.Object, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func parseReference(apID string) (*url.URL, error) {
	u, err := url.Parse(apID)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("%w: bad reference %q", ErrInvalidPayload, apID)
	}
	return u, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRemoteUnreachable):
		return "unreachable"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrWrongType):
		return "wrong_type"
	case errors.Is(err, ErrResolutionDisabled):
		return "disabled"
	case errors.Is(err, ErrStorage):
		return "storage"
	}
	return "error"
}

type chainKey struct{}

// withChain records apID as being resolved by the current call chain.
func withChain(ctx context.Context, apID string) context.Context {
	chain := chainFrom(ctx)
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, chainKey{}, append(next, apID))
}

func chainFrom(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}
