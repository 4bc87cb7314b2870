package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

const roomKeyPrefix = keyPrefix + "room:"

// roomTTL bounds how long an abandoned room survives a crashed relay.
const roomTTL = 12 * time.Hour

// RedisRoomRepository shares room membership between relay instances. Each
// room is a hash of party id to participant record.
type RedisRoomRepository struct {
	client *redis.Client
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{client: client}
}

func roomKey(id domain.StreamID) string {
	return roomKeyPrefix + string(id)
}

func (r *RedisRoomRepository) Join(ctx context.Context, p domain.Participant) (bool, error) {
	key := roomKey(p.StreamID)
	field := string(p.ID)

	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("failed to marshal participant: %w", err)
	}

	added, err := r.client.HSetNX(ctx, key, field, data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to join room: %w", err)
	}

	if !added {
		existing, err := r.client.HGet(ctx, key, field).Bytes()
		if err != nil && err != redis.Nil {
			return false, fmt.Errorf("failed to read participant: %w", err)
		}
		var prev domain.Participant
		if err == nil && json.Unmarshal(existing, &prev) == nil {
			p.JoinedAt = prev.JoinedAt
		}
		if data, err = json.Marshal(p); err != nil {
			return false, fmt.Errorf("failed to marshal participant: %w", err)
		}
		if err := r.client.HSet(ctx, key, field, data).Err(); err != nil {
			return false, fmt.Errorf("failed to refresh participant: %w", err)
		}
	}

	if err := r.client.Expire(ctx, key, roomTTL).Err(); err != nil {
		return added, fmt.Errorf("failed to set room ttl: %w", err)
	}
	return added, nil
}

func (r *RedisRoomRepository) Leave(ctx context.Context, streamID domain.StreamID, partyID domain.PartyID) error {
	if err := r.client.HDel(ctx, roomKey(streamID), string(partyID)).Err(); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Members(ctx context.Context, streamID domain.StreamID) ([]domain.Participant, error) {
	vals, err := r.client.HVals(ctx, roomKey(streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}

	members := make([]domain.Participant, 0, len(vals))
	for _, v := range vals {
		var p domain.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (r *RedisRoomRepository) Count(ctx context.Context, streamID domain.StreamID) (int, error) {
	n, err := r.client.HLen(ctx, roomKey(streamID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count room members: %w", err)
	}
	return int(n), nil
}
