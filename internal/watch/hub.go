package watch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/tenant"
)

// subscriberBuffer bounds the per-subscriber event queue. A subscriber that
// falls this far behind is disconnected rather than allowed to stall
// dispatch.
const subscriberBuffer = 64

// Subscriber receives events for one watch session. Read from C until it is
// closed.
type Subscriber struct {
	id    string
	scope scopeKey
	since int64

	C chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscriber(scope scopeKey, since int64) *Subscriber {
	return &Subscriber{
		id:    uuid.New().String(),
		scope: scope,
		since: since,
		C:     make(chan Event, subscriberBuffer),
		done:  make(chan struct{}),
	}
}

// ID identifies the watch session.
func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.C)
	})
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// scopeKey identifies a watch target. Key is empty for bucket scope.
type scopeKey struct {
	store  Store
	tenant string
	bucket string
	key    string
}

type bucketInfo struct {
	name   string
	tenant string
}

// Hub is the process-wide subscription registry plus the bucket-id caches
// used to enrich trigger payloads that only carry ids.
type Hub struct {
	pool *pgxpool.Pool
	// url is the dedicated LISTEN connection's DSN; the listener does not
	// borrow from the pool.
	url string

	mu             sync.RWMutex
	bucketWatchers map[scopeKey]map[*Subscriber]struct{}
	keyWatchers    map[scopeKey]map[*Subscriber]struct{}
	sessions       map[string]*Subscriber

	kvBuckets  map[uuid.UUID]bucketInfo
	objBuckets map[uuid.UUID]bucketInfo
}

// NewHub creates the hub. Call Seed before Run.
func NewHub(pool *pgxpool.Pool, url string) *Hub {
	return &Hub{
		pool:           pool,
		url:            url,
		bucketWatchers: make(map[scopeKey]map[*Subscriber]struct{}),
		keyWatchers:    make(map[scopeKey]map[*Subscriber]struct{}),
		sessions:       make(map[string]*Subscriber),
		kvBuckets:      make(map[uuid.UUID]bucketInfo),
		objBuckets:     make(map[uuid.UUID]bucketInfo),
	}
}

// Seed loads the bucket-id caches across all tenants. Buckets created later
// arrive through their insert triggers.
func (h *Hub) Seed(ctx context.Context) error {
	tx, err := tenant.BeginMaintenance(ctx, h.pool)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for table, cache := range map[string]map[uuid.UUID]bucketInfo{
		"kv_buckets":  h.kvBuckets,
		"obj_buckets": h.objBuckets,
	} {
		rows, err := tx.Query(ctx, `SELECT id, name, COALESCE(tenant, '') FROM `+table)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id uuid.UUID
			var info bucketInfo
			if err := rows.Scan(&id, &info.name, &info.tenant); err != nil {
				rows.Close()
				return err
			}
			cache[id] = info
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	log.Info().
		Int("kv_buckets", len(h.kvBuckets)).
		Int("obj_buckets", len(h.objBuckets)).
		Msg("watch hub bucket caches seeded")
	return nil
}

// SubscribeBucket registers a bucket-scoped watcher.
func (h *Hub) SubscribeBucket(store Store, tenantID, bucket string, since int64) *Subscriber {
	scope := scopeKey{store: store, tenant: tenantID, bucket: bucket}
	sub := newSubscriber(scope, since)

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.bucketWatchers[scope]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.bucketWatchers[scope] = set
	}
	set[sub] = struct{}{}
	h.sessions[sub.id] = sub

	log.Debug().Str("session", sub.id).Str("bucket", bucket).Int64("since", since).
		Msg("bucket watch subscribed")
	return sub
}

// SubscribeKey registers a key-scoped watcher.
func (h *Hub) SubscribeKey(store Store, tenantID, bucket, key string, since int64) *Subscriber {
	scope := scopeKey{store: store, tenant: tenantID, bucket: bucket, key: key}
	sub := newSubscriber(scope, since)

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.keyWatchers[scope]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.keyWatchers[scope] = set
	}
	set[sub] = struct{}{}
	h.sessions[sub.id] = sub

	log.Debug().Str("session", sub.id).Str("bucket", bucket).Str("key", key).Int64("since", since).
		Msg("key watch subscribed")
	return sub
}

// Unsubscribe removes the subscriber from both maps and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) removeLocked(sub *Subscriber) {
	delete(h.sessions, sub.id)

	if sub.scope.key != "" {
		if set, ok := h.keyWatchers[sub.scope]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.keyWatchers, sub.scope)
			}
		}
		return
	}
	if set, ok := h.bucketWatchers[sub.scope]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.bucketWatchers, sub.scope)
		}
	}
}

// ActiveWatchers reports the number of live watch sessions.
func (h *Hub) ActiveWatchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// dispatch delivers the event to every subscriber matching its bucket and
// key scopes. Sends never block: a subscriber with a full queue is dropped.
func (h *Hub) dispatch(store Store, tenantID string, ev Event) {
	h.mu.RLock()
	var targets []*Subscriber
	bucketScope := scopeKey{store: store, tenant: tenantID, bucket: ev.Bucket}
	for sub := range h.bucketWatchers[bucketScope] {
		targets = append(targets, sub)
	}
	if ev.Key != "" {
		keyScope := scopeKey{store: store, tenant: tenantID, bucket: ev.Bucket, key: ev.Key}
		for sub := range h.keyWatchers[keyScope] {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.Send(sub, ev)
	}
}

// Send queues an event on a subscriber, honoring the since cursor. Closed
// or overflowing subscribers are unsubscribed.
func (h *Hub) Send(sub *Subscriber, ev Event) {
	if sub.closed() {
		h.Unsubscribe(sub)
		return
	}
	if ev.Revision != nil && *ev.Revision <= sub.since {
		return
	}
	select {
	case sub.C <- ev:
	default:
		log.Warn().Str("session", sub.id).Str("bucket", ev.Bucket).
			Msg("watch subscriber queue overflow, disconnecting")
		h.Unsubscribe(sub)
	}
}

func (h *Hub) setBucket(store Store, id uuid.UUID, info bucketInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if store == StoreKV {
		h.kvBuckets[id] = info
	} else {
		h.objBuckets[id] = info
	}
}

func (h *Hub) dropBucket(store Store, id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if store == StoreKV {
		delete(h.kvBuckets, id)
	} else {
		delete(h.objBuckets, id)
	}
}

func (h *Hub) lookupBucket(store Store, id uuid.UUID) (bucketInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if store == StoreKV {
		info, ok := h.kvBuckets[id]
		return info, ok
	}
	info, ok := h.objBuckets[id]
	return info, ok
}
