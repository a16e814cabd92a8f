package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates key segments: NEXUS_SESSION__POLL_INTERVAL=5s.
const EnvPrefix = "NEXUS_"

// DefaultPath is the config file read when none is given. It may be absent.
const DefaultPath = "nexus.yaml"

type Config struct {
	Backend BackendConfig `koanf:"backend"`
	Upload  UploadConfig  `koanf:"upload"`
	Session SessionConfig `koanf:"session"`
	Journal JournalConfig `koanf:"journal"`
	Server  ServerConfig  `koanf:"server"`
	Tracing TracingConfig `koanf:"tracing"`
	Log     LogConfig     `koanf:"log"`
}

type BackendConfig struct {
	BaseURL string `koanf:"base_url"`
	// WSURL is derived from BaseURL when empty.
	WSURL   string        `koanf:"ws_url"`
	WSPath  string        `koanf:"ws_path"`
	Timeout time.Duration `koanf:"timeout"`
	// UploadTimeout bounds one file upload. Zero means no limit.
	UploadTimeout time.Duration `koanf:"upload_timeout"`
	UseAI         bool          `koanf:"use_ai"`
}

type UploadConfig struct {
	MaxFileBytes  int64    `koanf:"max_file_bytes"`
	MaxTotalBytes int64    `koanf:"max_total_bytes"`
	AllowedTypes  []string `koanf:"allowed_types"`
}

type SessionConfig struct {
	PollInterval         time.Duration `koanf:"poll_interval"`
	PollRetryBudget      int           `koanf:"poll_retry_budget"`
	PollTimeout          time.Duration `koanf:"poll_timeout"`
	StreamSilenceTimeout time.Duration `koanf:"stream_silence_timeout"`
	LateTelemetryWindow  time.Duration `koanf:"late_telemetry_window"`
	HandshakeAttempts    int           `koanf:"handshake_attempts"`
	Agents               []string      `koanf:"agents"`
}

type JournalConfig struct {
	Type   string       `koanf:"type"` // none, memory, sqlite
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ServerConfig struct {
	// Port 0 disables the HTTP surface.
	Port int `koanf:"port"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

var defaults = map[string]any{
	"backend.base_url":               "http://localhost:8000",
	"backend.ws_path":                "/v2/sessions/{id}/ws",
	"backend.timeout":                "30s",
	"backend.upload_timeout":         "0s",
	"backend.use_ai":                 true,
	"upload.max_file_bytes":          100 << 20,
	"upload.max_total_bytes":         250 << 20,
	"upload.allowed_types":           []string{"pdf", "docx", "xlsx", "xls", "csv", "txt"},
	"session.poll_interval":          "2s",
	"session.poll_retry_budget":      5,
	"session.poll_timeout":           "30m",
	"session.stream_silence_timeout": "10s",
	"session.late_telemetry_window":  "10s",
	"session.handshake_attempts":     3,
	"session.agents": []string{
		"smart-document", "entity-intel", "org-boundary", "carbon-expert",
		"pcf-expert", "nature-expert", "report-generator",
	},
	"journal.type":        "none",
	"journal.sqlite.path": "./data/journal.db",
	"server.port":         8090,
	"tracing.enabled":     false,
	"log.level":           "info",
}

// listKeys are split on commas when set from the environment.
var listKeys = map[string]bool{
	"upload.allowed_types": true,
	"session.agents":       true,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load builds the configuration from defaults, the YAML file at path and
// NEXUS_ environment variables, in increasing precedence. An empty path
// reads DefaultPath if it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Backend.BaseURL = substituteEnvVars(cfg.Backend.BaseURL)
	cfg.Backend.WSURL = substituteEnvVars(cfg.Backend.WSURL)
	cfg.Journal.SQLite.Path = substituteEnvVars(cfg.Journal.SQLite.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(key, value string) (string, any) {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	if listKeys[key] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, value
}

// Validate rejects values the session runtime cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if !strings.Contains(c.Backend.WSPath, "{id}") {
		errs = append(errs, fmt.Errorf("backend.ws_path %q must contain {id}", c.Backend.WSPath))
	}
	if c.Backend.Timeout < 0 || c.Backend.UploadTimeout < 0 {
		errs = append(errs, errors.New("backend timeouts must not be negative"))
	}
	if c.Upload.MaxFileBytes <= 0 || c.Upload.MaxTotalBytes <= 0 {
		errs = append(errs, errors.New("upload limits must be positive"))
	}
	if c.Session.PollInterval <= 0 {
		errs = append(errs, errors.New("session.poll_interval must be positive"))
	}
	if c.Session.PollRetryBudget < 0 {
		errs = append(errs, errors.New("session.poll_retry_budget must not be negative"))
	}
	if c.Session.LateTelemetryWindow < 0 {
		errs = append(errs, errors.New("session.late_telemetry_window must not be negative"))
	}
	if c.Session.HandshakeAttempts < 1 {
		errs = append(errs, errors.New("session.handshake_attempts must be at least 1"))
	}
	switch c.Journal.Type {
	case "", "none", "memory":
	case "sqlite":
		if c.Journal.SQLite.Path == "" {
			errs = append(errs, errors.New("journal.sqlite.path is required for the sqlite journal"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal.type %q", c.Journal.Type))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
