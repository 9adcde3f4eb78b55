// Package redis keeps sessions and flow states in Redis.  It does not store
// users; pair it with a UserStore from another backend:
//
//	rs := redisstore.New(rdb, "")
//	storage := &plugauth.Storage{Users: gormStore, Sessions: rs, Flows: rs}
//
// Flow states use native key expiry and GETDEL, which makes Take atomic.
// Sessions are kept a while past their expiry so validation can still tell
// an expired session from an unknown one, and a sorted set indexed by expiry
// lets DeleteExpired find them without scanning the keyspace.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/panyam/plugauth"
)

const defaultPrefix = "plugauth:"

// Sessions linger this long after expiry before Redis drops them
const expiredGrace = time.Hour

// Store implements SessionStore and FlowStateStore
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	_ plugauth.SessionStore   = (*Store)(nil)
	_ plugauth.FlowStateStore = (*Store)(nil)
)

// New creates a store.  All keys start with prefix, "plugauth:" if empty.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Open connects to addr, which is either host:port or a redis:// URL
func Open(ctx context.Context, addr string) (*redis.Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *Store) sessionKey(id string) string      { return s.prefix + "session:" + id }
func (s *Store) userSessionsKey(uid string) string { return s.prefix + "user-sessions:" + uid }
func (s *Store) expiryKey() string                 { return s.prefix + "session-expiry" }
func (s *Store) flowKey(key string) string         { return s.prefix + "flow:" + key }

// Sessions

func (s *Store) CreateSession(ctx context.Context, session *plugauth.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	key := s.sessionKey(session.ID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.ExpireAt(ctx, key, session.ExpiresAt.Add(expiredGrace))
		pipe.SAdd(ctx, s.userSessionsKey(session.UserID), session.ID)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: score(session.ExpiresAt), Member: session.ID})
		return nil
	})
	return err
}

func (s *Store) FindSession(ctx context.Context, sessionID string) (*plugauth.Session, error) {
	data, err := s.rdb.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, plugauth.ErrSessionNotFound
		}
		return nil, err
	}
	var session plugauth.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := s.FindSession(ctx, sessionID)
	if errors.Is(err, plugauth.ErrSessionNotFound) {
		return s.rdb.ZRem(ctx, s.expiryKey(), sessionID).Err()
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID))
		pipe.SRem(ctx, s.userSessionsKey(session.UserID), sessionID)
		pipe.ZRem(ctx, s.expiryKey(), sessionID)
		return nil
	})
	return err
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// UpdateSessionExpiry rewrites the session under WATCH and retries if it
// changed in between
func (s *Store) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	key := s.sessionKey(sessionID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return plugauth.ErrSessionNotFound
				}
				return err
			}
			var session plugauth.Session
			if err := json.Unmarshal(data, &session); err != nil {
				return err
			}
			session.ExpiresAt = expiresAt
			if data, err = json.Marshal(&session); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ExpireAt(ctx, key, expiresAt.Add(expiredGrace))
				pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: score(expiresAt), Member: sessionID})
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	setKey := s.userSessionsKey(userID)
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.sessionKey(id))
			pipe.ZRem(ctx, s.expiryKey(), id)
		}
		pipe.SRem(ctx, setKey, toAny(ids)...)
		return nil
	})
	return err
}

// Flow states

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.flowKey(key), value, ttl).Err()
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.GetDel(ctx, s.flowKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, plugauth.ErrFlowStateNotFound
		}
		return nil, err
	}
	return data, nil
}

// PurgeExpired is a no-op, Redis expires flow keys itself
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
