// Package redis keeps projection cursors in Redis, for deployments whose
// read models already live there
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/chronicleworks/chronicle/projection"
)

const cursorKey = "chronicle:projection:cursors"

// NewCursorStore returns a cursor store on a Redis client
func NewCursorStore(client *redis.Client) *CursorStore {
	return &CursorStore{client: client}
}

// Dial connects to Redis and returns a cursor store on the connection
func Dial(ctx context.Context, addr, password string, db int) (*CursorStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &CursorStore{client: client}, nil
}

type CursorStore struct {
	client *redis.Client
}

var _ projection.CursorStore = (*CursorStore)(nil)

func (s *CursorStore) Load(ctx context.Context, projector string) (int64, error) {
	val, err := s.client.HGet(ctx, cursorKey, projector).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor for %s: %w", projector, err)
	}
	return offset, nil
}

func (s *CursorStore) Save(ctx context.Context, projector string, offset int64) error {
	return s.client.HSet(ctx, cursorKey, projector, strconv.FormatInt(offset, 10)).Err()
}

func (s *CursorStore) Close() error {
	return s.client.Close()
}
