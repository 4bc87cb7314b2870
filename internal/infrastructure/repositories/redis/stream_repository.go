package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

const (
	streamKeyPrefix = keyPrefix + "stream:"
	liveStreamsKey  = keyPrefix + "streams:live"
)

type RedisStreamRepository struct {
	client *redis.Client
}

func NewRedisStreamRepository(client *redis.Client) ports.StreamRepository {
	return &RedisStreamRepository{client: client}
}

func streamKey(id domain.StreamID) string {
	return streamKeyPrefix + string(id)
}

func (r *RedisStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	created, err := r.client.SetNX(ctx, streamKey(stream.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set stream in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("stream already exists: %s", stream.ID)
	}

	if stream.IsLive {
		if err := r.client.SAdd(ctx, liveStreamsKey, string(stream.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add stream to live set: %w", err)
		}
	}

	return nil
}

func (r *RedisStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	data, err := r.client.Get(ctx, streamKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var stream domain.Stream
	if err := json.Unmarshal([]byte(data), &stream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}

	return &stream, nil
}

func (r *RedisStreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	// XX only overwrites an existing record.
	updated, err := r.client.SetXX(ctx, streamKey(stream.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update stream in Redis: %w", err)
	}
	if !updated {
		return domain.ErrStreamNotFound
	}

	if stream.IsLive {
		err = r.client.SAdd(ctx, liveStreamsKey, string(stream.ID)).Err()
	} else {
		err = r.client.SRem(ctx, liveStreamsKey, string(stream.ID)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update live set: %w", err)
	}

	return nil
}

func (r *RedisStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	if err := r.client.SRem(ctx, liveStreamsKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove stream from live set: %w", err)
	}

	deleted, err := r.client.Del(ctx, streamKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete stream from Redis: %w", err)
	}
	if deleted == 0 {
		return domain.ErrStreamNotFound
	}

	return nil
}

func (r *RedisStreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	ids, err := r.client.SMembers(ctx, liveStreamsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get live streams from Redis: %w", err)
	}

	var streams []*domain.Stream
	for _, id := range ids {
		stream, err := r.GetByID(ctx, domain.StreamID(id))
		if err != nil {
			// Skip streams that no longer exist
			continue
		}
		if stream.IsLive {
			streams = append(streams, stream)
		}
	}
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})

	return streams, nil
}
