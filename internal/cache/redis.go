package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateTTL = time.Hour

// Redis caches the latest materialized board state so hot boards
// avoid replaying the update log on every GET.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	return &Redis{client: client}
}

func (r *Redis) GetBoardState(ctx context.Context, boardID string) ([]byte, error) {
	data, err := r.client.Get(ctx, boardKey(boardID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (r *Redis) SetBoardState(ctx context.Context, boardID string, state []byte) error {
	return r.client.Set(ctx, boardKey(boardID), state, stateTTL).Err()
}

func (r *Redis) InvalidateBoard(ctx context.Context, boardID string) error {
	return r.client.Del(ctx, boardKey(boardID)).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func boardKey(boardID string) string {
	return "board:" + boardID
}
