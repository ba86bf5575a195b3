package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	gt.NoError(t, cfg.Validate())
	gt.Equal(t, cfg.Memory.DecayRate, 0.1)
	gt.Equal(t, cfg.Memory.DefaultLimit, 5)
	gt.Equal(t, cfg.Memory.RetentionDays, 30)
	gt.Equal(t, cfg.Memory.MinRelevanceScore, 0.5)
	gt.Equal(t, cfg.Embedding.Dims, 1536)
	gt.Equal(t, cfg.ListenAddr(), "127.0.0.1:37778")
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
embedding:
  provider: hash
  dims: 64
memory:
  decay_rate: 0.2
  sweep_interval: 1h
log:
  level: debug
`
	gt.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, false)
	gt.NoError(t, err)
	gt.Equal(t, cfg.Server.Port, 9000)
	gt.Equal(t, cfg.Server.Bind, "127.0.0.1")
	gt.Equal(t, cfg.Embedding.Provider, "hash")
	gt.Equal(t, cfg.Embedding.Dims, 64)
	gt.Equal(t, cfg.Memory.DecayRate, 0.2)
	gt.Equal(t, cfg.Memory.SweepInterval, time.Hour)
	gt.Equal(t, cfg.Memory.DefaultLimit, 5)
	gt.Equal(t, cfg.Log.Level, "debug")
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := Load(path, true)
	gt.NoError(t, err)

	_, err = Load(path, false)
	gt.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	gt.NoError(t, os.WriteFile(path, []byte("memory: [unclosed"), 0o644))

	_, err := Load(path, false)
	gt.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TETHER_DB":         "/tmp/t.db",
		"TETHER_DB_DRIVER":  "postgres",
		"TETHER_DB_URL":     "postgres://localhost/tether",
		"OPENAI_API_KEY":    "sk-test",
		"ANTHROPIC_API_KEY": "ak-test",
		"OLLAMA_HOST":       "http://ollama:11434",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })

	gt.Equal(t, cfg.Database.Path, "/tmp/t.db")
	gt.Equal(t, cfg.Database.Driver, "postgres")
	gt.Equal(t, cfg.Database.URL, "postgres://localhost/tether")
	gt.Equal(t, cfg.Embedding.APIKey, "sk-test")
	gt.Equal(t, cfg.Embedding.URL, "http://ollama:11434")
	gt.Equal(t, cfg.LLM.Provider, "anthropic")
	gt.Equal(t, cfg.LLM.AnthropicKey, "ak-test")
	gt.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero decay":       func(c *Config) { c.Memory.DecayRate = 0 },
		"zero limit":       func(c *Config) { c.Memory.DefaultLimit = 0 },
		"negative days":    func(c *Config) { c.Memory.RetentionDays = -1 },
		"relevance > 1":    func(c *Config) { c.Memory.MinRelevanceScore = 1.1 },
		"unknown driver":   func(c *Config) { c.Database.Driver = "redis" },
		"postgres no url":  func(c *Config) { c.Database.Driver = "postgres" },
		"unknown embedder": func(c *Config) { c.Embedding.Provider = "bert" },
		"zero dims":        func(c *Config) { c.Embedding.Dims = 0 },
		"unknown llm":      func(c *Config) { c.LLM.Provider = "gpt" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			gt.Error(t, cfg.Validate())
		})
	}
}
