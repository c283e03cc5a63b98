package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`

	CLIPath         string        `yaml:"cli_path"`
	DefaultModel    string        `yaml:"default_model"`
	UseSubscription bool          `yaml:"use_subscription"`
	StopGrace       time.Duration `yaml:"stop_grace"`

	// MaxAgents caps concurrently running agent processes. Zero is unlimited.
	MaxAgents int64 `yaml:"max_agents"`
}

// Load resolves the configuration in three layers: built-in defaults, an
// optional YAML file (AGENTSTREAM_CONFIG, default agentstream.yaml), and
// finally environment variables. A .env file in the working directory is
// read into the environment first, without overriding variables already set.
func Load() (Config, error) {
	loadDotEnv(".env")

	cfg := Config{
		HTTPAddr:        ":8080",
		DataDir:         "data",
		CLIPath:         "claude",
		UseSubscription: true,
		StopGrace:       5 * time.Second,
	}

	path := getEnv("AGENTSTREAM_CONFIG", "agentstream.yaml")
	if err := loadFile(&cfg, path); err != nil {
		return Config{}, err
	}

	cfg.HTTPAddr = getEnv("AGENTSTREAM_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("AGENTSTREAM_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("AGENTSTREAM_DB_PATH", cfg.DBPath)
	cfg.CLIPath = getEnv("AGENTSTREAM_CLI_PATH", cfg.CLIPath)
	cfg.DefaultModel = getEnv("AGENTSTREAM_DEFAULT_MODEL", cfg.DefaultModel)

	var err error
	if cfg.UseSubscription, err = getBool("AGENTSTREAM_USE_SUBSCRIPTION", cfg.UseSubscription); err != nil {
		return Config{}, err
	}
	if cfg.StopGrace, err = getDuration("AGENTSTREAM_STOP_GRACE", cfg.StopGrace); err != nil {
		return Config{}, err
	}
	if cfg.MaxAgents, err = getInt("AGENTSTREAM_MAX_AGENTS", cfg.MaxAgents); err != nil {
		return Config{}, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "agentstream.db")
	}
	return cfg, nil
}

// loadFile overlays values from a YAML file onto cfg. A missing file is not
// an error unless the path was set explicitly via AGENTSTREAM_CONFIG.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("AGENTSTREAM_CONFIG") == "" {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
