package ports

import (
	"context"

	"livestage/internal/core/domain"
)

type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	Update(ctx context.Context, stream *domain.Stream) error
	Delete(ctx context.Context, id domain.StreamID) error
	ListLive(ctx context.Context) ([]*domain.Stream, error)
}

// RoomRepository tracks relay room membership. Join is idempotent per
// (stream, party): a second join refreshes the entry instead of adding one.
type RoomRepository interface {
	Join(ctx context.Context, p domain.Participant) (added bool, err error)
	Leave(ctx context.Context, streamID domain.StreamID, partyID domain.PartyID) error
	Members(ctx context.Context, streamID domain.StreamID) ([]domain.Participant, error)
	Count(ctx context.Context, streamID domain.StreamID) (int, error)
}
