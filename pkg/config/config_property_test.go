// Property-based tests for configuration default fallback.
package config

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_NonPositiveScalerValuesFallBackToDefaults verifies that
// a non-positive maxWorkers, cooldownSec, batchShortMillis or
// batchLongMillis is replaced by its default.
func TestProperty_NonPositiveScalerValuesFallBackToDefaults(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("non-positive maxWorkers falls back to default", prop.ForAll(
		func(v int) bool {
			cfg := &Config{Scaler: ScalerConfig{MaxWorkers: v}}
			applyDefaults(cfg)
			return cfg.Scaler.MaxWorkers == 10
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive cooldownSec falls back to default", prop.ForAll(
		func(v int) bool {
			cfg := &Config{Scaler: ScalerConfig{CooldownSec: v}}
			applyDefaults(cfg)
			return cfg.Scaler.CooldownSec == 30
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive batch timeouts fall back to defaults", prop.ForAll(
		func(short, long int) bool {
			cfg := &Config{Health: HealthConfig{BatchShortMillis: short, BatchLongMillis: long}}
			applyDefaults(cfg)
			return cfg.Health.BatchShortMillis == 1000 && cfg.Health.BatchLongMillis == 10000
		},
		gen.IntRange(-1000, 0), gen.IntRange(-1000, 0),
	))

	properties.TestingRun(t)
}

// TestProperty_PositiveScalerValuesSurviveDefaulting verifies that any
// already-valid (positive) value is left untouched by applyDefaults.
func TestProperty_PositiveScalerValuesSurviveDefaulting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("positive maxWorkers is preserved", prop.ForAll(
		func(v int) bool {
			cfg := &Config{Scaler: ScalerConfig{MaxWorkers: v, ScaleUpELU: 0.8, ScaleDownELU: 0.2, MinELUDiff: 0.2, TimeWindowSec: 60, CooldownSec: 30}}
			applyDefaults(cfg)
			return cfg.Scaler.MaxWorkers == v
		},
		gen.IntRange(1, 100000),
	))

	properties.TestingRun(t)
}

func TestConfig_StandaloneWhenICCURLEmpty(t *testing.T) {
	cfg := &Config{}
	if !cfg.Standalone() {
		t.Fatal("expected standalone mode with empty ICC URL")
	}
	cfg.ICC.URL = "https://icc.example.com"
	if cfg.Standalone() {
		t.Fatal("expected non-standalone mode once ICC URL is set")
	}
}
