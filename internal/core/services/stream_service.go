package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/pkg/validation"
)

// streamService backs the relay's stream metadata API.
type streamService struct {
	streamRepo ports.StreamRepository
	roomRepo   ports.RoomRepository
	now        func() time.Time
}

func NewStreamService(streamRepo ports.StreamRepository, roomRepo ports.RoomRepository) ports.StreamService {
	return &streamService{
		streamRepo: streamRepo,
		roomRepo:   roomRepo,
		now:        time.Now,
	}
}

func (s *streamService) CreateStream(ctx context.Context, title string, host domain.PartyID) (*domain.Stream, error) {
	if err := validation.ValidateStreamTitle(title); err != nil {
		return nil, err
	}
	if err := validation.ValidatePartyID(string(host)); err != nil {
		return nil, err
	}

	now := s.now()
	stream := &domain.Stream{
		ID:        domain.StreamID(generateStreamID()),
		Title:     title,
		HostID:    host,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.streamRepo.Create(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return stream, nil
}

func (s *streamService) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.Stream, error) {
	return s.streamRepo.GetByID(ctx, streamID)
}

func (s *streamService) SetLive(ctx context.Context, streamID domain.StreamID, live bool) (*domain.Stream, error) {
	stream, err := s.streamRepo.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if stream.IsLive == live {
		return stream, nil
	}

	stream.IsLive = live
	stream.UpdatedAt = s.now()
	if err := s.streamRepo.Update(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to update stream: %w", err)
	}
	return stream, nil
}

func (s *streamService) ListLiveStreams(ctx context.Context) ([]*domain.Stream, error) {
	return s.streamRepo.ListLive(ctx)
}

func (s *streamService) DeleteStream(ctx context.Context, streamID domain.StreamID) error {
	if _, err := s.streamRepo.GetByID(ctx, streamID); err != nil {
		return err
	}
	return s.streamRepo.Delete(ctx, streamID)
}

// GetStreamStats reports room membership for one stream.
func (s *streamService) GetStreamStats(ctx context.Context, streamID domain.StreamID) (*domain.StreamStats, error) {
	stream, err := s.streamRepo.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	members, err := s.roomRepo.Members(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}

	stats := &domain.StreamStats{StreamID: streamID, IsLive: stream.IsLive}
	for _, m := range members {
		if m.IsHost {
			stats.HostPresent = true
			continue
		}
		stats.Viewers++
	}
	if stream.IsLive {
		stats.LiveFor = s.now().Sub(stream.UpdatedAt)
	}
	return stats, nil
}

func generateStreamID() string {
	return "stream_" + uuid.NewString()[:8]
}
