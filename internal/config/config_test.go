package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "deterministic", cfg.Reasoner.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Retrieval.DetailCacheTTL)
	assert.Equal(t, 0.55, cfg.Scoring.ExploratoryConfidenceCap)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexhound.yaml")
	body := `
reasoner:
  mode: on
  circuit_fail_threshold: 5
retrieval:
  verify_limit: 3
server:
  addr: ":9191"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "on", cfg.Reasoner.Mode)
	assert.Equal(t, 5, cfg.Reasoner.CircuitFailThreshold)
	assert.Equal(t, 3, cfg.Retrieval.VerifyLimit)
	assert.Equal(t, ":9191", cfg.Server.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLM_REASONER_MODE", "on")
	t.Setenv("LLM_REASONER_MAX_INFLIGHT", "2")
	t.Setenv("CIRCUIT_COOLDOWN_MS", "1500")
	t.Setenv("DEFAULT_VERIFY_LIMIT", "5")
	t.Setenv("HYBRID_SHADOW_CAPTURE", "true")
	t.Setenv("EXPLORATORY_CONFIDENCE_CAP", "0.6")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "on", cfg.Reasoner.Mode)
	assert.Equal(t, 2, cfg.Reasoner.MaxInflight)
	assert.Equal(t, 1500*time.Millisecond, cfg.Reasoner.CircuitCooldown)
	assert.Equal(t, 5, cfg.Retrieval.VerifyLimit)
	assert.True(t, cfg.Hybrid.ShadowCapture)
	assert.Equal(t, 0.6, cfg.Scoring.ExploratoryConfidenceCap)
}

func TestClampRejectsHostileValues(t *testing.T) {
	t.Setenv("DETAIL_CONCURRENCY", "99")
	t.Setenv("LLM_REASONER_MODE", "chaotic")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Retrieval.DetailConcurrency, "hostile concurrency must clamp")
	assert.Equal(t, "deterministic", cfg.Reasoner.Mode, "unknown mode must reset")
}
