package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"livestage/internal/core/domain"
)

func TestStreamService_CreateStream(t *testing.T) {
	streamRepo := new(MockStreamRepository)
	roomRepo := new(MockRoomRepository)
	service := NewStreamService(streamRepo, roomRepo)

	streamRepo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Stream")).Return(nil)

	stream, err := service.CreateStream(context.Background(), "Friday night set", "host-1")

	require.NoError(t, err)
	assert.Equal(t, "Friday night set", stream.Title)
	assert.Equal(t, domain.PartyID("host-1"), stream.HostID)
	assert.False(t, stream.IsLive)
	assert.NotEmpty(t, stream.ID)
	streamRepo.AssertExpectations(t)
}

func TestStreamService_CreateStream_InvalidTitle(t *testing.T) {
	streamRepo := new(MockStreamRepository)
	service := NewStreamService(streamRepo, new(MockRoomRepository))

	_, err := service.CreateStream(context.Background(), "", "host-1")

	assert.Error(t, err)
	streamRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestStreamService_SetLive(t *testing.T) {
	streamRepo := new(MockStreamRepository)
	service := NewStreamService(streamRepo, new(MockRoomRepository))

	existing := &domain.Stream{ID: "stream-1", Title: "t", HostID: "host-1"}
	streamRepo.On("GetByID", mock.Anything, domain.StreamID("stream-1")).Return(existing, nil)
	streamRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *domain.Stream) bool { return s.IsLive })).Return(nil).Once()

	stream, err := service.SetLive(context.Background(), "stream-1", true)
	require.NoError(t, err)
	assert.True(t, stream.IsLive)

	// Already live: no write.
	_, err = service.SetLive(context.Background(), "stream-1", true)
	require.NoError(t, err)
	streamRepo.AssertNumberOfCalls(t, "Update", 1)
}

func TestStreamService_SetLive_NotFound(t *testing.T) {
	streamRepo := new(MockStreamRepository)
	service := NewStreamService(streamRepo, new(MockRoomRepository))

	streamRepo.On("GetByID", mock.Anything, domain.StreamID("missing")).Return(nil, domain.ErrStreamNotFound)

	_, err := service.SetLive(context.Background(), "missing", true)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestStreamService_GetStreamStats(t *testing.T) {
	streamRepo := new(MockStreamRepository)
	roomRepo := new(MockRoomRepository)
	svc := NewStreamService(streamRepo, roomRepo).(*streamService)

	liveSince := time.Unix(1000, 0)
	svc.now = func() time.Time { return liveSince.Add(time.Minute) }

	streamRepo.On("GetByID", mock.Anything, domain.StreamID("stream-1")).
		Return(&domain.Stream{ID: "stream-1", IsLive: true, UpdatedAt: liveSince}, nil)
	roomRepo.On("Members", mock.Anything, domain.StreamID("stream-1")).Return([]domain.Participant{
		{ID: "host-1", IsHost: true},
		{ID: "v1"},
		{ID: "v2"},
	}, nil)

	stats, err := svc.GetStreamStats(context.Background(), "stream-1")

	require.NoError(t, err)
	assert.True(t, stats.HostPresent)
	assert.Equal(t, 2, stats.Viewers)
	assert.Equal(t, time.Minute, stats.LiveFor)
}

func TestStreamService_DeleteStream(t *testing.T) {
	streamRepo := new(MockStreamRepository)
	service := NewStreamService(streamRepo, new(MockRoomRepository))

	streamRepo.On("GetByID", mock.Anything, domain.StreamID("stream-1")).Return(&domain.Stream{ID: "stream-1"}, nil)
	streamRepo.On("Delete", mock.Anything, domain.StreamID("stream-1")).Return(nil)

	assert.NoError(t, service.DeleteStream(context.Background(), "stream-1"))
	streamRepo.AssertExpectations(t)
}
