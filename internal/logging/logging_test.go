package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		logger, err := New(Config{})
		require.NoError(t, err)
		logger.Info("hello")
		require.NoError(t, Sync(logger))
	})

	t.Run("console format with fields", func(t *testing.T) {
		logger, err := New(Config{
			Level:  "debug",
			Format: "console",
			Fields: map[string]string{"component": "engine"},
		})
		require.NoError(t, err)
		logger.Debug("visible at debug")
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(Config{Level: "verbose"})
		require.Error(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := New(Config{Format: "xml"})
		require.Error(t, err)
	})
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
}
