// Package config loads the kernel configuration from a YAML file with
// environment variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	// Mode selects the provider: "local" (Ollama) or "remote"
	// (OpenAI-compatible API).
	Mode      string `yaml:"mode"`
	LocalURL  string `yaml:"local_url"`
	RemoteURL string `yaml:"remote_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
}

type ExpertConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Config struct {
	HTTPAddr       string `yaml:"http_addr"`
	DBPath         string `yaml:"db_path"` // empty selects the in-memory store
	MaxRetryCount  int    `yaml:"max_retry_count"`
	LifeCycle      int    `yaml:"life_cycle"`
	WorkerPoolSize int    `yaml:"worker_pool_size"`

	LLM     LLMConfig      `yaml:"llm"`
	Experts []ExpertConfig `yaml:"experts"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:       ":8640",
		MaxRetryCount:  3,
		LifeCycle:      3,
		WorkerPoolSize: 8,
		LLM: LLMConfig{
			Mode:     "local",
			LocalURL: "http://localhost:11434",
			Model:    "qwen2.5:latest",
		},
	}
}

// Load reads the config file when the path names one, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MANDOS_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("MANDOS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MANDOS_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.LLM.LocalURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}
