package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Presence records live in the broker's key-value side under a short TTL.
// Absence of a live key means offline: TTL expiry is the only mechanism
// that detects silently-dead connections, so every write here must carry
// the TTL in the same atomic call.

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceRecord is the stored value. SessionRef is opaque to readers: it
// names the node and connection that last refreshed the record.
type PresenceRecord struct {
	Status     string `json:"status"`
	LastSeenMS int64  `json:"last_seen_ms"`
	SessionRef string `json:"session_ref"`
}

// Store wraps the broker's key-value primitives: TTL-keyed presence records
// and room membership sets. Every mutation is a single Redis call; no
// read-modify-write spans two calls.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, presenceTTL time.Duration) *Store {
	if presenceTTL <= 0 {
		presenceTTL = 300 * time.Second
	}
	return &Store{rdb: rdb, ttl: presenceTTL}
}

// PresenceTTL reports the configured record lifetime (heartbeats must run
// well inside it).
func (s *Store) PresenceTTL() time.Duration { return s.ttl }

func presenceKey(user string) string { return "relay:presence:" + user }

// PresenceOnline marks the user online and arms the TTL. Called on
// authentication and on every heartbeat; refreshing is the same single SET.
func (s *Store) PresenceOnline(ctx context.Context, user, sessionRef string) error {
	rec := PresenceRecord{
		Status:     StatusOnline,
		LastSeenMS: time.Now().UnixMilli(),
		SessionRef: sessionRef,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal presence record")
	}
	return errors.Wrap(s.rdb.Set(ctx, presenceKey(user), raw, s.ttl).Err(), "presence set")
}

// PresenceOffline removes the record. The TTL is the backstop when this
// delete never happens (crash, partition).
func (s *Store) PresenceOffline(ctx context.Context, user string) error {
	return errors.Wrap(s.rdb.Del(ctx, presenceKey(user)).Err(), "presence del")
}

// PresenceLookup returns the live record, or ok=false when the key is
// absent or expired (i.e. the user is offline).
func (s *Store) PresenceLookup(ctx context.Context, user string) (*PresenceRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, presenceKey(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "presence get")
	}
	var rec PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, errors.Wrap(err, "unmarshal presence record")
	}
	return &rec, true, nil
}

// Ping reports key-value side connectivity for the health surface.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
