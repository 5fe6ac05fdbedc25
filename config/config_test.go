package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polypilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider.Name)
	assert.Equal(t, "polypilot.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: openai
  model: gpt-4o-mini
  max_tokens: 2048
session:
  tool_timeout: 5m
  denied_tools: [internal_probe]
engine:
  max_iterations: 4
  pass_score: 0.8
bridge:
  addr: ":9000"
log_level: debug
`)

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, "debug", cfg.LogLevel)

	sess := cfg.SessionConfig()
	assert.Equal(t, 5*time.Minute, sess.ToolTimeout)
	assert.Equal(t, 2*time.Minute, sess.InactivityTimeout) // default kept
	assert.Equal(t, []string{"internal_probe"}, sess.DeniedTools)

	eng := cfg.EngineConfig()
	assert.Equal(t, 4, eng.Cycle.MaxIterations)
	assert.Equal(t, 0.8, eng.Cycle.PassScore)
	assert.Equal(t, 3, eng.PlanRetries) // default kept

	br := cfg.BridgeConfig()
	assert.Equal(t, ":9000", br.Addr)
	assert.Equal(t, int64(64*1024), br.ReadLimit) // default kept
}

func TestLoad_BadDurationFails(t *testing.T) {
	path := writeConfig(t, "session:\n  tool_timeout: banana\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := writeConfig(t, "provider: [unclosed\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestAPIKey_ResolvesEnv(t *testing.T) {
	t.Setenv("POLYPILOT_TEST_KEY", "sk-test")

	cfg := Default()
	cfg.Provider.APIKeyEnv = "POLYPILOT_TEST_KEY"
	assert.Equal(t, "sk-test", cfg.APIKey())

	cfg.Provider.APIKeyEnv = ""
	assert.Equal(t, "", cfg.APIKey())
}

func TestEngineConfig_SimilarityThresholdOverride(t *testing.T) {
	cfg := Default()
	cfg.Engine.SimilarityThreshold = 0.75

	eng := cfg.EngineConfig()
	assert.Equal(t, 0.75, eng.Cycle.Stall.SimilarityThreshold)
	assert.Equal(t, 5, eng.Cycle.Stall.HistorySize)
}
