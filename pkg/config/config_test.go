package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdate_MergesJSONThroughYAMLSchema(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	updated, err := ApplyUpdate(cfg, []byte(`{"scaler":{"maxWorkers":42},"unknownKey":{"nested":true}}`))
	require.NoError(t, err)

	assert.Equal(t, 42, updated.Scaler.MaxWorkers)
	// Untouched sections keep their values; unknown keys are ignored.
	assert.Equal(t, 30, updated.Scaler.CooldownSec)
	assert.Equal(t, 1000, updated.Health.BatchShortMillis)

	// The original is not mutated.
	assert.Equal(t, 10, cfg.Scaler.MaxWorkers)
}

func TestApplyUpdate_BadJSONFails(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	_, err := ApplyUpdate(cfg, []byte(`{not json`))
	assert.Error(t, err)
}
