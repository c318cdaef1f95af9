package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tts-gateway/internal/platform/config"
	"tts-gateway/internal/platform/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error"})
	require.NoError(t, err)
	return logger
}

func TestBuildProviderRegistry_Defaults(t *testing.T) {
	cfg := config.Default()

	registry, err := buildProviderRegistry(cfg, testLogger(t))

	require.NoError(t, err)
	providers := registry.List()
	require.Len(t, providers, 1)
	assert.Equal(t, "mock_tone", providers[0].ID())

	voices, err := registry.ListAllVoices(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, voices)
}

func TestBuildProviderRegistry_NoProviders(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.MockTone.Enabled = false
	cfg.Providers.Edge.Enabled = false

	_, err := buildProviderRegistry(cfg, testLogger(t))

	assert.Error(t, err)
}

func TestBuildProviderRegistry_EdgeEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Edge.Enabled = true

	registry, err := buildProviderRegistry(cfg, testLogger(t))

	require.NoError(t, err)
	assert.Len(t, registry.List(), 2)
}
