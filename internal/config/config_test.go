package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.HasKafka())
	assert.Equal(t, 2*time.Minute, cfg.Matchmaking.DefaultWaitTimeout)
	assert.Equal(t, 5, cfg.Matchmaking.MaxSquadSize)
	assert.Equal(t, "ALTERNATING", cfg.Matchmaking.PairingStrategy)
	assert.Len(t, cfg.Matchmaking.BotHandles, 5)
	assert.Nil(t, cfg.Matchmaking.BotSeed)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/arena.db")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MATCHMAKING_DEFAULT_WAIT_TIMEOUT", "30s")
	t.Setenv("MATCHMAKING_MAX_SQUAD_SIZE", "3")
	t.Setenv("MATCHMAKING_BOT_SEED", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.HasKafka())
	assert.Equal(t, 30*time.Second, cfg.Matchmaking.DefaultWaitTimeout)
	assert.Equal(t, 3, cfg.Matchmaking.MaxSquadSize)
	require.NotNil(t, cfg.Matchmaking.BotSeed)
	assert.Equal(t, uint64(42), *cfg.Matchmaking.BotSeed)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown driver", "DATABASE_DRIVER", "mysql"},
		{"bad log format", "LOG_FORMAT", "xml"},
		{"zero squad size", "MATCHMAKING_MAX_SQUAD_SIZE", "0"},
		{"max below default", "MATCHMAKING_MAX_WAIT_TIMEOUT", "1m"},
		{"unparsable duration", "MATCHMAKING_SWEEP_INTERVAL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
