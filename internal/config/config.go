package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Collision policies understood by the bundle merger.
const (
	CollisionOverwrite = "overwrite"
	CollisionKeepFirst = "keep_first"
	CollisionFail      = "fail"
)

// Config represents the application configuration
type Config struct {
	DBPath               string        `yaml:"db_path"`
	ScratchDir           string        `yaml:"scratch_dir"`
	BlobDir              string        `yaml:"blob_dir"`
	LogLevel             string        `yaml:"log_level"`
	LogFile              string        `yaml:"log_file"`
	BatchSize            int           `yaml:"batch_size"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	CollisionPolicy      string        `yaml:"collision_policy"`
	DefaultActor         string        `yaml:"default_actor"`
}

// Defaults returns the configuration used before any source is applied.
func Defaults() *Config {
	return &Config{
		LogLevel:             "info",
		BatchSize:            100,
		RetryMaxAttempts:     3,
		RetryInitialInterval: 200 * time.Millisecond,
		CollisionPolicy:      CollisionOverwrite,
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/graphport/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := Defaults()

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if path := userConfigPath(); path != "" {
		if err := loadYAMLFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	switch c.CollisionPolicy {
	case CollisionOverwrite, CollisionKeepFirst, CollisionFail:
	default:
		return fmt.Errorf("invalid collision_policy %q: must be one of %s, %s, %s",
			c.CollisionPolicy, CollisionOverwrite, CollisionKeepFirst, CollisionFail)
	}
	return nil
}

func userConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "graphport", "config.yaml")
}

// loadYAMLFile overlays the YAML document at path onto cfg.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if dbPath := getEnvOrFile("GRAPHPORT_DB_PATH", "GRAPHPORT_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if dir := os.Getenv("GRAPHPORT_SCRATCH_DIR"); dir != "" {
		cfg.ScratchDir = dir
	}
	if dir := os.Getenv("GRAPHPORT_BLOB_DIR"); dir != "" {
		cfg.BlobDir = dir
	}
	if logLevel := os.Getenv("GRAPHPORT_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile := os.Getenv("GRAPHPORT_LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}
	if policy := os.Getenv("GRAPHPORT_COLLISION_POLICY"); policy != "" {
		cfg.CollisionPolicy = policy
	}
	if actor := os.Getenv("GRAPHPORT_ACTOR"); actor != "" {
		cfg.DefaultActor = actor
	}
	if v := os.Getenv("GRAPHPORT_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GRAPHPORT_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("GRAPHPORT_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GRAPHPORT_RETRY_MAX_ATTEMPTS: %w", err)
		}
		cfg.RetryMaxAttempts = n
	}
	if v := os.Getenv("GRAPHPORT_RETRY_INITIAL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid GRAPHPORT_RETRY_INITIAL_INTERVAL: %w", err)
		}
		cfg.RetryInitialInterval = d
	}
	return nil
}

func (c *Config) fillPaths() error {
	if c.DBPath != "" && c.ScratchDir != "" && c.BlobDir != "" {
		return nil
	}

	base := ""
	// Project-local state wins over the user-global data directory.
	if _, err := os.Stat(".graphport"); err == nil {
		base = ".graphport"
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(homeDir, ".local", "share", "graphport")
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(base, "graphport.db")
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(base, "scratch")
	}
	if c.BlobDir == "" {
		c.BlobDir = filepath.Join(base, "blobs")
	}
	return nil
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
func findEnvLocal() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		homeDir = filepath.Clean(homeDir)
	}

	dir := filepath.Clean(cwd)
	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// ActorHandle returns the acting user's handle.
// Priority: GRAPHPORT_ACTOR > config.default_actor
func (c *Config) ActorHandle() string {
	if actor := os.Getenv("GRAPHPORT_ACTOR"); actor != "" {
		return actor
	}
	return c.DefaultActor
}
