// Package redisstore persists the session record in Redis under the three
// fixed session keys.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"finet/internal/session"
)

type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	// TTL, when positive, makes Redis drop the keys on its own after the
	// session could no longer be valid.
	TTL time.Duration
}

type Store struct {
	rdb                      *redis.Client
	tokenKey, userKey, atKey string
	ttl                      time.Duration
}

var _ session.Store = (*Store)(nil)

// Connect dials Redis and verifies the connection with a PING.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return New(rdb, opts.Namespace, opts.TTL), nil
}

func New(rdb *redis.Client, namespace string, ttl time.Duration) *Store {
	tokenKey, userKey, atKey := session.Keys(namespace)
	return &Store{rdb: rdb, tokenKey: tokenKey, userKey: userKey, atKey: atKey, ttl: ttl}
}

func (s *Store) Load(ctx context.Context) (session.Record, error) {
	vals, err := s.rdb.MGet(ctx, s.tokenKey, s.userKey, s.atKey).Result()
	if err != nil {
		return session.Record{}, fmt.Errorf("redis mget: %w", err)
	}
	return session.Decode(str(vals, 0), str(vals, 1), str(vals, 2))
}

// Save writes the three keys in one MULTI/EXEC transaction.
func (s *Store) Save(ctx context.Context, rec session.Record) error {
	token, user, at, err := session.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey, token, s.ttl)
		pipe.Set(ctx, s.userKey, user, s.ttl)
		if at == "" {
			pipe.Del(ctx, s.atKey)
		} else {
			pipe.Set(ctx, s.atKey, at, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.tokenKey, s.userKey, s.atKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis clear session: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func str(vals []interface{}, i int) string {
	if i >= len(vals) {
		return ""
	}
	v, _ := vals[i].(string)
	return v
}
