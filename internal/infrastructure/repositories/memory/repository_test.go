package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestage/internal/core/domain"
)

func TestRoomRepository(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	base := time.Now()

	added, err := repo.Join(ctx, domain.Participant{ID: "host", StreamID: "s", IsHost: true, JoinedAt: base})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.Join(ctx, domain.Participant{ID: "viewer", StreamID: "s", JoinedAt: base.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.Join(ctx, domain.Participant{ID: "host", StreamID: "s", IsHost: true, JoinedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, added, "second join of the same party")

	members, err := repo.Members(ctx, "s")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, domain.PartyID("host"), members[0].ID)
	assert.True(t, members[0].JoinedAt.Equal(base))

	n, err := repo.Count(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, repo.Leave(ctx, "s", "viewer"))
	require.NoError(t, repo.Leave(ctx, "s", "viewer"))
	require.NoError(t, repo.Leave(ctx, "other", "viewer"))

	n, err = repo.Count(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStreamRepository(t *testing.T) {
	repo := NewMemoryStreamRepository()
	ctx := context.Background()

	stream := &domain.Stream{ID: "a", Title: "first", CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, stream))
	assert.Error(t, repo.Create(ctx, stream))

	// Stored records are copies.
	stream.Title = "mutated"
	got, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	live, err := repo.ListLive(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	got.IsLive = true
	require.NoError(t, repo.Update(ctx, got))
	live, err = repo.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)

	assert.ErrorIs(t, repo.Update(ctx, &domain.Stream{ID: "missing"}), domain.ErrStreamNotFound)
	require.NoError(t, repo.Delete(ctx, "a"))
	assert.ErrorIs(t, repo.Delete(ctx, "a"), domain.ErrStreamNotFound)
	_, err = repo.GetByID(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}
