package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
)

func TestSetupLoggingAppliesConfiguredLevel(t *testing.T) {
	cfg := config.Default()

	cfg.Log.Level = "debug"
	setupLogging(cfg)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	cfg.Log.Level = "warn"
	setupLogging(cfg)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	// Unknown levels fall back to info.
	cfg.Log.Level = "everything"
	setupLogging(cfg)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestLoadConfigWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().HTTP.ListenAddr, cfg.HTTP.ListenAddr)
}
