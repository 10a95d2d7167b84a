package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting for the server and CLI. Values come
// from defaults, then the YAML file, then environment variables, each
// layer overriding the last.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Batch    BatchConfig    `yaml:"batch"`
	Cache    CacheConfig    `yaml:"cache"`
	Script   ScriptConfig   `yaml:"script"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type BatchConfig struct {
	Workers   int `yaml:"workers"`
	ChunkSize int `yaml:"chunk_size"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type ScriptConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxSteps uint64        `yaml:"max_steps"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Batch: BatchConfig{
			Workers:   8,
			ChunkSize: 100,
		},
		Cache: CacheConfig{
			TTL: 0,
		},
		Script: ScriptConfig{
			Timeout:  time.Second,
			MaxSteps: 500_000,
		},
	}
}

// Load reads configuration from path, applying environment overrides on
// top. A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTOTAG_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("AUTOTAG_BATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Workers = n
		}
	}
	if v := os.Getenv("AUTOTAG_BATCH_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.ChunkSize = n
		}
	}
	if v := os.Getenv("AUTOTAG_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("AUTOTAG_SCRIPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Script.Timeout = d
		}
	}
	if v := os.Getenv("AUTOTAG_SCRIPT_MAX_STEPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Script.MaxSteps = n
		}
	}
}

func (c *Config) validate() error {
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1, got %d", c.Batch.Workers)
	}
	if c.Batch.ChunkSize < 1 {
		return fmt.Errorf("batch.chunk_size must be at least 1, got %d", c.Batch.ChunkSize)
	}
	if c.Script.Timeout <= 0 {
		return fmt.Errorf("script.timeout must be positive, got %s", c.Script.Timeout)
	}
	return nil
}
