// Package config loads qrshare settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultJPEGQuality = 10
	DefaultAuthority   = "qrshare.provider"
	DefaultHTTPAddr    = ":8080"
	DefaultGrantTTL    = 10 * time.Minute
	maxJPEGQuality     = 100
)

// Config is the on-disk configuration document.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Store     StoreConfig     `yaml:"store"`
	Link      LinkConfig      `yaml:"link"`
	Share     ShareConfig     `yaml:"share"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StoreConfig struct {
	// Quality is the JPEG quality used for the persisted artifact.
	Quality   int    `yaml:"quality"`
	Authority string `yaml:"authority"`
}

type LinkConfig struct {
	// Command overrides the platform link opener.
	Command []string `yaml:"command"`
}

type ShareConfig struct {
	Command    []string      `yaml:"command"`
	WebhookURL string        `yaml:"webhook_url"`
	GrantTTL   time.Duration `yaml:"grant_ttl"`
	BaseURL    string        `yaml:"base_url"`
}

type HTTPConfig struct {
	Addr        string        `yaml:"addr"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	MaxUpload   int64         `yaml:"max_upload_bytes"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	Production bool   `yaml:"production"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns the baseline configuration rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Store:   StoreConfig{Quality: DefaultJPEGQuality, Authority: DefaultAuthority},
		Share:   ShareConfig{GrantTTL: DefaultGrantTTL},
		HTTP: HTTPConfig{
			Addr:        DefaultHTTPAddr,
			WaitTimeout: 30 * time.Second,
			MaxUpload:   16 << 20,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "qrshare"},
	}
}

// Load reads path (optional) on top of the defaults and applies QRSHARE_* overrides.
func Load(path string) (Config, error) {
	cfg := Default(defaultDataDir())
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate clamps out-of-range values and rejects unusable settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Store.Quality <= 0 {
		c.Store.Quality = DefaultJPEGQuality
	}
	if c.Store.Quality > maxJPEGQuality {
		c.Store.Quality = maxJPEGQuality
	}
	if strings.TrimSpace(c.Store.Authority) == "" {
		c.Store.Authority = DefaultAuthority
	}
	if c.Share.GrantTTL <= 0 {
		c.Share.GrantTTL = DefaultGrantTTL
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.WaitTimeout <= 0 {
		c.HTTP.WaitTimeout = 30 * time.Second
	}
	if c.HTTP.MaxUpload <= 0 {
		c.HTTP.MaxUpload = 16 << 20
	}
	return nil
}

// ImageDir is where the single persisted artifact lives.
func (c Config) ImageDir() string { return filepath.Join(c.DataDir, "images") }

// SessionDir holds session snapshots.
func (c Config) SessionDir() string { return filepath.Join(c.DataDir, "session") }

// PermissionFile stores permission records.
func (c Config) PermissionFile() string { return filepath.Join(c.DataDir, "permissions.jsonl") }

// JournalFile stores the notice journal.
func (c Config) JournalFile() string { return filepath.Join(c.DataDir, "notices.jsonl") }

func applyEnv(cfg *Config) {
	cfg.DataDir = getEnv("QRSHARE_DATA_DIR", cfg.DataDir)
	cfg.Store.Quality = getInt("QRSHARE_JPEG_QUALITY", cfg.Store.Quality)
	if cmd := getEnv("QRSHARE_OPEN_COMMAND", ""); cmd != "" {
		cfg.Link.Command = strings.Fields(cmd)
	}
	if cmd := getEnv("QRSHARE_SHARE_COMMAND", ""); cmd != "" {
		cfg.Share.Command = strings.Fields(cmd)
	}
	cfg.Share.WebhookURL = getEnv("QRSHARE_WEBHOOK_URL", cfg.Share.WebhookURL)
	cfg.Share.GrantTTL = getDuration("QRSHARE_GRANT_TTL", cfg.Share.GrantTTL)
	cfg.Share.BaseURL = getEnv("QRSHARE_BASE_URL", cfg.Share.BaseURL)
	cfg.HTTP.Addr = getEnv("QRSHARE_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Log.File = getEnv("QRSHARE_LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("QRSHARE_LOG_LEVEL", cfg.Log.Level)
	cfg.Telemetry.OTLPEndpoint = getEnv("QRSHARE_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "qrshare")
	}
	return filepath.Join(os.TempDir(), "qrshare")
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if dur, err := time.ParseDuration(raw); err == nil {
		return dur
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
