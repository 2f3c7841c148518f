package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, ":3000", cfg.HTTPAddr())
	require.Equal(t, 256, cfg.HistoryWindow)
	require.Equal(t, 5*time.Minute, cfg.IdleTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("SYNC_HISTORY_WINDOW", "32")
	t.Setenv("SYNC_IDLE_TIMEOUT", "90s")
	t.Setenv("SYNC_TCP_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 32, cfg.HistoryWindow)
	require.Equal(t, 90*time.Second, cfg.IdleTimeout)
	require.Empty(t, cfg.TCPAddr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "70000")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("PORT", "3000")
	t.Setenv("SYNC_HISTORY_WINDOW", "0")
	_, err = Load()
	require.Error(t, err)
}
