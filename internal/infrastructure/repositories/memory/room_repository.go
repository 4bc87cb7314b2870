package memory

import (
	"context"
	"sort"
	"sync"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

// MemoryRoomRepository keeps room membership for a single relay instance.
type MemoryRoomRepository struct {
	rooms map[domain.StreamID]map[domain.PartyID]domain.Participant
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.StreamID]map[domain.PartyID]domain.Participant),
	}
}

func (r *MemoryRoomRepository) Join(ctx context.Context, p domain.Participant) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[p.StreamID]
	if !ok {
		room = make(map[domain.PartyID]domain.Participant)
		r.rooms[p.StreamID] = room
	}

	existing, exists := room[p.ID]
	if exists {
		// Keep the original join time so member ordering stays stable.
		p.JoinedAt = existing.JoinedAt
	}
	room[p.ID] = p
	return !exists, nil
}

func (r *MemoryRoomRepository) Leave(ctx context.Context, streamID domain.StreamID, partyID domain.PartyID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[streamID]
	if !ok {
		return nil
	}
	delete(room, partyID)
	if len(room) == 0 {
		delete(r.rooms, streamID)
	}
	return nil
}

func (r *MemoryRoomRepository) Members(ctx context.Context, streamID domain.StreamID) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[streamID]
	members := make([]domain.Participant, 0, len(room))
	for _, p := range room {
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

func (r *MemoryRoomRepository) Count(ctx context.Context, streamID domain.StreamID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[streamID]), nil
}
