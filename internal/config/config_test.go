package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("CHATSYNC_BACKEND", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, cfg.GetBackend())
	assert.Equal(t, 30*time.Second, cfg.GetHeartbeatInterval())
	assert.Equal(t, 3*time.Second, cfg.GetTypingQuietInterval())
	assert.Equal(t, ":memory:", cfg.GetLocalDataPath())
}

func TestFromEnv_SurrealRequiresConnectionSettings(t *testing.T) {
	t.Setenv("CHATSYNC_BACKEND", "surreal")
	t.Setenv("SURREAL_URL", "")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SURREAL_URL")
}

func TestFromEnv_SurrealSettings(t *testing.T) {
	t.Setenv("CHATSYNC_BACKEND", "SURREAL")
	t.Setenv("SURREAL_URL", "ws://localhost:8000/rpc")
	t.Setenv("SURREAL_NS", "chat")
	t.Setenv("SURREAL_DB", "chat")
	t.Setenv("DB_QUERY_TIMEOUT", "2s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, BackendSurreal, cfg.GetBackend())
	assert.Equal(t, "ws://localhost:8000/rpc", cfg.GetDBURL())
	assert.Equal(t, 2*time.Second, cfg.GetDBQueryTimeout())
}

func TestFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("CHATSYNC_HEARTBEAT_INTERVAL", "often")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSYNC_HEARTBEAT_INTERVAL")
}

func TestValidate_StaleThresholdBelowHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.StaleThreshold = time.Second

	assert.Error(t, cfg.Validate())
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "postgres"

	assert.Error(t, cfg.Validate())
}
