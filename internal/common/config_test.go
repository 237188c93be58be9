package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/kbchat/internal/interfaces"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"KBCHAT_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"KBCHAT_CLAUDE_API_KEY", "ANTHROPIC_API_KEY",
		"KBCHAT_OPENAI_API_KEY", "OPENAI_API_KEY",
		"KBCHAT_LLM_PROVIDER", "KBCHAT_EMBEDDING_PROVIDER",
	} {
		t.Setenv(name, "")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	clearProviderEnv(t)
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Finalize())
	assert.Equal(t, interfaces.LLMModeMock, cfg.LLM.Mode)
	assert.Equal(t, 500, cfg.Chunking.ChunkSize)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
}

func TestLoadFromFilesMergesInOrder(t *testing.T) {
	first := writeConfig(t, `
[server]
port = 9000

[chunking]
chunk_size = 800
overlap = 200
`)
	second := writeConfig(t, `
[server]
port = 9100
`)

	cfg, err := LoadFromFiles(first, second)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 800, cfg.Chunking.ChunkSize)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, "localhost", cfg.Server.Host)
}

func TestLoadFromFilesRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[chat]
history_budget = 100
widget_colour = "blue"
`)

	_, err := LoadFromFiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "widget_colour")
}

func TestEnvOverridesFileValues(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
`)
	t.Setenv("KBCHAT_SERVER_PORT", "9500")
	t.Setenv("KBCHAT_LOG_OUTPUT", "stdout, file")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Server.Port)
	assert.Equal(t, []string{"stdout", "file"}, cfg.Logging.Output)
}

func TestFinalizeDecidesLiveMode(t *testing.T) {
	clearProviderEnv(t)
	cfg := NewDefaultConfig()
	cfg.LLM.DefaultProvider = LLMProviderClaude
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	require.NoError(t, cfg.Finalize())
	assert.Equal(t, interfaces.LLMModeLive, cfg.LLM.Mode)
	assert.Equal(t, "sk-test", cfg.Claude.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap not below chunk size", func(c *Config) { c.Chunking.Overlap = c.Chunking.ChunkSize }},
		{"zero chunk size", func(c *Config) { c.Chunking.ChunkSize = 0 }},
		{"unknown provider", func(c *Config) { c.LLM.DefaultProvider = "cohere" }},
		{"bad duration", func(c *Config) { c.Quota.Period = "monthly" }},
		{"bad cron", func(c *Config) { c.Scheduler.ReclaimSchedule = "every minute" }},
		{"pgvector without dsn", func(c *Config) { c.Storage.ChunkBackend = "pgvector" }},
		{"threshold over 100", func(c *Config) { c.Quota.ThresholdPercents = []int{150} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	ApplyFlagOverrides(cfg, 7000, "0.0.0.0")
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	ApplyFlagOverrides(cfg, 0, "")
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLocalDeploymentConfigLoads(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := LoadFromFiles(filepath.Join("..", "..", "deployments", "local", "kbchat.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Finalize())
	assert.Equal(t, "./deployments/local/catalog.yaml", cfg.Catalog.Path)
	assert.Equal(t, interfaces.LLMModeMock, cfg.LLM.Mode)
}
