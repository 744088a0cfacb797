package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/bridgeproxy/internal/obs"
	"github.com/redis/go-redis/v9"
)

// redisStore publishes sessions to Redis as bridge:<id> keys and keeps the
// authoritative copy of its own sessions locally. Keys expire unless the
// heartbeat refreshes them, so a crashed process ages out.
type redisStore struct {
	client     *redis.Client
	instanceID string

	mu       sync.Mutex
	sessions map[string]Session
	total    int64
	closing  bool
	ready    bool

	heartbeatInterval time.Duration
	keyTTL            time.Duration
	opTimeout         time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis connects to Redis and starts the heartbeat loop.
func NewRedis(addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	r := newRedisStore(rdb)
	mctx, mcancel := context.WithCancel(context.Background())
	r.cancel = mcancel
	go r.startMaintenance(mctx)
	return r, nil
}

func newRedisStore(rdb *redis.Client) *redisStore {
	return &redisStore{
		client:            rdb,
		instanceID:        "bridgeproxy-" + uuid.NewString(),
		sessions:          make(map[string]Session),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
		opTimeout:         2 * time.Second,
		done:              make(chan struct{}),
	}
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStore) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStore) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStore) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisStore) sessionKey(id string) string { return "bridge:" + id }
func (r *redisStore) indexKey() string            { return "instance:" + r.instanceID + ":bridges" }

// Register records s locally and publishes it. Redis failures are logged;
// they never prevent the bridge from running.
func (r *redisStore) Register(s Session) error {
	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session already registered: %s", s.ID)
	}
	r.sessions[s.ID] = s
	r.total++
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveBridges.Set(float64(n))
	obs.BridgesTotal.Inc()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.sessionKey(s.ID), data, r.keyTTL)
	pipe.SAdd(ctx, r.indexKey(), s.ID)
	pipe.Expire(ctx, r.indexKey(), r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.register", obs.Fields{"err": err.Error(), "id": s.ID})
		obs.ErrorsTotal.WithLabelValues("redis_register").Inc()
	}
	return nil
}

func (r *redisStore) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveBridges.Set(float64(n))

	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.unregister", obs.Fields{"err": err.Error(), "id": id})
		obs.ErrorsTotal.WithLabelValues("redis_unregister").Inc()
	}
}

func (r *redisStore) Sessions() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sortSessions(out)
	return out
}

// Stats reports local counters; counting every process's sessions would need
// a SCAN over bridge:* keys.
func (r *redisStore) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Active: len(r.sessions), Total: r.total, Backend: "redis", Now: time.Now().UTC().Format(time.RFC3339)}
}

// startMaintenance periodically extends the TTL of locally owned keys.
func (r *redisStore) startMaintenance(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, r.sessionKey(id), r.keyTTL)
	}
	pipe.Expire(ctx, r.indexKey(), r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(ids)})
	}
}

// Close stops the heartbeat, removes this process's keys and closes the client.
func (r *redisStore) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	keys := []string{r.indexKey()}
	for _, id := range ids {
		keys = append(keys, r.sessionKey(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
		obs.Error("redis.close", obs.Fields{"err": err.Error()})
	}
	return r.client.Close()
}
