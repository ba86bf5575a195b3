package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all tether configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	LLM       LLMConfig       `yaml:"llm"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres", "mongo"
	Path   string `yaml:"path"`   // sqlite file; empty = ~/.tether/tether.db
	URL    string `yaml:"url"`    // postgres DSN or mongo URI
	Name   string `yaml:"name"`   // mongo database name
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "openai", "gemini", "ollama", "hash"
	Model     string `yaml:"model"`    // empty = provider default
	Dims      int    `yaml:"dims"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	CacheSize int64  `yaml:"cache_size"` // cached query embeddings; 0 disables
}

type MemoryConfig struct {
	DecayRate         float64       `yaml:"decay_rate"` // per day
	DefaultLimit      int           `yaml:"default_limit"`
	RetentionDays     int           `yaml:"retention_days"`
	MinRelevanceScore float64       `yaml:"min_relevance_score"`
	SweepInterval     time.Duration `yaml:"sweep_interval"` // 0 disables the sweeper
	EmbedTimeout      time.Duration `yaml:"embed_timeout"`
}

type LLMConfig struct {
	Provider     string `yaml:"provider"` // "", "anthropic", "ollama"
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	AnthropicKey string `yaml:"anthropic_key"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Name:   "tether",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Dims:      1536,
			URL:       "http://localhost:11434",
			CacheSize: 1 << 20,
		},
		Memory: MemoryConfig{
			DecayRate:         0.1,
			DefaultLimit:      5,
			RetentionDays:     30,
			MinRelevanceScore: 0.5,
			SweepInterval:     24 * time.Hour,
			EmbedTimeout:      30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.tether/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", goerr.Wrap(err, "get home dir")
	}
	return filepath.Join(home, ".tether", "config.yaml"), nil
}

// Load reads a YAML file over the defaults, then applies env overrides.
// A missing file is not an error when optional is true.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && optional:
		case err != nil:
			return cfg, goerr.Wrap(err, "read config", goerr.V("path", path))
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, goerr.Wrap(err, "parse config", goerr.V("path", path))
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("TETHER_DB"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("TETHER_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := getenv("TETHER_DB_URL"); v != "" {
		c.Database.URL = v
	}
	if v := getenv("TETHER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("OLLAMA_HOST"); v != "" {
		c.Embedding.URL = v
		c.LLM.OllamaURL = v
	}
	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.APIKey = getenv("OPENAI_API_KEY")
		case "gemini":
			c.Embedding.APIKey = getenv("GEMINI_API_KEY")
		}
	}
	if v := getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.AnthropicKey = v
		if c.LLM.Provider == "" {
			c.LLM.Provider = "anthropic"
		}
	}
}

// Validate rejects settings the service can't run with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "sqlite":
	case "postgres", "mongo":
		if c.Database.URL == "" {
			problems = append(problems, fmt.Sprintf("database.url required for driver %q", c.Database.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Embedding.Provider {
	case "openai", "gemini", "ollama", "hash":
	default:
		problems = append(problems, fmt.Sprintf("unknown embedding.provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Dims <= 0 {
		problems = append(problems, "embedding.dims must be > 0")
	}

	switch c.LLM.Provider {
	case "", "anthropic", "ollama":
	default:
		problems = append(problems, fmt.Sprintf("unknown llm.provider %q", c.LLM.Provider))
	}

	m := c.Memory
	if m.DecayRate <= 0 {
		problems = append(problems, "memory.decay_rate must be > 0")
	}
	if m.DefaultLimit <= 0 {
		problems = append(problems, "memory.default_limit must be > 0")
	}
	if m.RetentionDays < 0 {
		problems = append(problems, "memory.retention_days must be >= 0")
	}
	if m.MinRelevanceScore < 0 || m.MinRelevanceScore > 1 {
		problems = append(problems, "memory.min_relevance_score must be within [0, 1]")
	}
	if m.SweepInterval < 0 {
		problems = append(problems, "memory.sweep_interval must be >= 0")
	}

	if len(problems) > 0 {
		return goerr.New("invalid config", goerr.V("problems", strings.Join(problems, "; ")))
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
