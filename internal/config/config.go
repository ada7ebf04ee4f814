package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	LogLevel  string
	LogFormat string

	DefaultProvider string
	DefaultModel    string
	Providers       map[string]ProviderConfig
	Roles           map[string]RoleSetting

	MaxDepth      int
	MaxCalls      int
	Timeout       time.Duration
	ScriptTimeout time.Duration
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type RoleSetting struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// fileConfig mirrors the optional YAML file. Every field is optional and only
// fills in values the environment left unset.
type fileConfig struct {
	HTTPAddr        string                    `yaml:"http_addr"`
	DataDir         string                    `yaml:"data_dir"`
	DBPath          string                    `yaml:"db_path"`
	LogLevel        string                    `yaml:"log_level"`
	LogFormat       string                    `yaml:"log_format"`
	DefaultProvider string                    `yaml:"default_provider"`
	DefaultModel    string                    `yaml:"default_model"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	Roles           map[string]RoleSetting    `yaml:"roles"`
	Limits          struct {
		MaxDepth      int    `yaml:"max_depth"`
		MaxCalls      int    `yaml:"max_calls"`
		Timeout       string `yaml:"timeout"`
		ScriptTimeout string `yaml:"script_timeout"`
	} `yaml:"limits"`
}

func Load() (Config, error) {
	_ = godotenv.Load(".env")

	var file fileConfig
	if path := os.Getenv("STORYFORGE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	dataDir := getEnv("STORYFORGE_DATA_DIR", or(file.DataDir, "data"))
	cfg := Config{
		HTTPAddr:  getEnv("STORYFORGE_HTTP_ADDR", or(file.HTTPAddr, ":8080")),
		DataDir:   dataDir,
		DBPath:    getEnv("STORYFORGE_DB_PATH", or(file.DBPath, filepath.Join(dataDir, "storyforge.db"))),
		LogLevel:  getEnv("STORYFORGE_LOG_LEVEL", or(file.LogLevel, "info")),
		LogFormat: getEnv("STORYFORGE_LOG_FORMAT", or(file.LogFormat, "text")),

		DefaultProvider: getEnv("STORYFORGE_DEFAULT_PROVIDER", or(file.DefaultProvider, "anthropic")),
		DefaultModel:    getEnv("STORYFORGE_DEFAULT_MODEL", file.DefaultModel),
		Providers:       map[string]ProviderConfig{},
		Roles:           map[string]RoleSetting{},
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModels[cfg.DefaultProvider]
	}

	for name, p := range file.Providers {
		cfg.Providers[name] = p
	}
	mergeProvider(cfg.Providers, "anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL")
	mergeProvider(cfg.Providers, "openai", "OPENAI_API_KEY", "OPENAI_BASE_URL")
	mergeProvider(cfg.Providers, "google", "GEMINI_API_KEY", "")

	for role, setting := range file.Roles {
		cfg.Roles[strings.TrimSpace(role)] = setting
	}

	var err error
	if cfg.MaxDepth, err = getEnvInt("STORYFORGE_MAX_DEPTH", orInt(file.Limits.MaxDepth, 3)); err != nil {
		return Config{}, err
	}
	if cfg.MaxCalls, err = getEnvInt("STORYFORGE_MAX_CALLS", orInt(file.Limits.MaxCalls, 20)); err != nil {
		return Config{}, err
	}
	if cfg.Timeout, err = getEnvDuration("STORYFORGE_TIMEOUT", or(file.Limits.Timeout, "5m")); err != nil {
		return Config{}, err
	}
	if cfg.ScriptTimeout, err = getEnvDuration("STORYFORGE_SCRIPT_TIMEOUT", or(file.Limits.ScriptTimeout, "2s")); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o",
	"google":    "gemini-2.5-flash",
}

// ModelFor returns the default model of provider: the configured default
// model for the default provider, else the built-in default.
func (c Config) ModelFor(provider string) string {
	if provider == c.DefaultProvider && c.DefaultModel != "" {
		return c.DefaultModel
	}
	return defaultModels[provider]
}

// Logger builds the root logger from the configured level and format.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func mergeProvider(providers map[string]ProviderConfig, name, keyEnv, urlEnv string) {
	p := providers[name]
	p.APIKey = getEnv(keyEnv, p.APIKey)
	if urlEnv != "" {
		p.BaseURL = getEnv(urlEnv, p.BaseURL)
	}
	if p.APIKey == "" && p.BaseURL == "" {
		return
	}
	providers[name] = p
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key, fallback string) (time.Duration, error) {
	v := getEnv(key, fallback)
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
