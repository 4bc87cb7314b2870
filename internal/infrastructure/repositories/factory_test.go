package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"livestage/internal/infrastructure/repositories/memory"
	"livestage/pkg/config"
)

func TestRepositoryFactory_MemoryFallback(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Enabled = false

	factory, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.Nil(t, factory.Client())
	assert.IsType(t, &memory.MemoryStreamRepository{}, factory.CreateStreamRepository())
	assert.IsType(t, &memory.MemoryRoomRepository{}, factory.CreateRoomRepository())
	assert.NoError(t, factory.HealthCheck(context.Background()))
}

func TestRepositoryFactory_UnreachableRedis(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"
	cfg.Redis.PoolSize = 1

	factory, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.Nil(t, factory.Client())
	assert.IsType(t, &memory.MemoryRoomRepository{}, factory.CreateRoomRepository())
}
