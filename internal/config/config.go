package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// RemoteURL is the base URL of the remote document service.
	// Empty means sync is unavailable and the store runs purely local.
	RemoteURL string `json:"remote_url,omitempty"`

	// NotifyURL is an optional websocket endpoint that pushes change notifications.
	NotifyURL string `json:"notify_url,omitempty"`

	// KeyPrefix namespaces every persisted key.
	KeyPrefix string `json:"key_prefix,omitempty"`

	// MaxRetries is the retry ceiling for transient remote failures.
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryBaseDelayMS is the first backoff delay; each retry doubles it.
	RetryBaseDelayMS int `json:"retry_base_delay_ms,omitempty"`

	// RequestTimeoutMS bounds a single remote call.
	RequestTimeoutMS int `json:"request_timeout_ms,omitempty"`

	// ErrorRateLimitMS suppresses repeats of the same user-visible error within the window.
	ErrorRateLimitMS int `json:"error_rate_limit_ms,omitempty"`

	// EventBuffer is the per-subscriber channel capacity for change and notice streams.
	EventBuffer int `json:"event_buffer,omitempty"`

	// DefaultDocumentName and DefaultDocumentContent describe the untouched
	// starter document. Temporary documents matching it are never pushed.
	DefaultDocumentName    string `json:"default_document_name,omitempty"`
	DefaultDocumentContent string `json:"default_document_content,omitempty"`

	// LogFile enables rotated file logging when set. LogLevel is debug|info|warn|error.
	LogFile  string `json:"log_file,omitempty"`
	LogLevel string `json:"log_level,omitempty"`

	// AllowedPaths is an allowlist of directories for import/export operations.
	// Paths outside ~/.scribe/exports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix:           "scribe:",
		MaxRetries:          3,
		RetryBaseDelayMS:    1000,
		RequestTimeoutMS:    15000,
		ErrorRateLimitMS:    5000,
		EventBuffer:         256,
		DefaultDocumentName: "Untitled",
		LogLevel:            "info",
	}
}

// RetryBaseDelay returns RetryBaseDelayMS as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMS as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// ErrorRateLimit returns ErrorRateLimitMS as a duration.
func (c *Config) ErrorRateLimit() time.Duration {
	return time.Duration(c.ErrorRateLimitMS) * time.Millisecond
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.scribe.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.scribe) and repo (.scribe) directories,
// then applies SCRIBE_* environment overrides.
// Repo config is found by walking upward from startDir to find the nearest .scribe/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	env, err := FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}

	return Merge(Merge(Merge(DefaultConfig(), global), repo), env), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .scribe/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".scribe", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// FromEnv builds an overlay config from SCRIBE_* variables.
// getenv is os.Getenv in production; tests pass a map lookup.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		RemoteURL: strings.TrimSpace(getenv("SCRIBE_REMOTE_URL")),
		NotifyURL: strings.TrimSpace(getenv("SCRIBE_NOTIFY_URL")),
		LogFile:   strings.TrimSpace(getenv("SCRIBE_LOG_FILE")),
		LogLevel:  strings.TrimSpace(getenv("SCRIBE_LOG_LEVEL")),
	}
	if raw := strings.TrimSpace(getenv("SCRIBE_MAX_RETRIES")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid SCRIBE_MAX_RETRIES %q", raw)
		}
		cfg.MaxRetries = n
	}
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		RemoteURL:              pickString(overlay.RemoteURL, base.RemoteURL),
		NotifyURL:              pickString(overlay.NotifyURL, base.NotifyURL),
		KeyPrefix:              pickString(overlay.KeyPrefix, base.KeyPrefix),
		MaxRetries:             pickInt(overlay.MaxRetries, base.MaxRetries),
		RetryBaseDelayMS:       pickInt(overlay.RetryBaseDelayMS, base.RetryBaseDelayMS),
		RequestTimeoutMS:       pickInt(overlay.RequestTimeoutMS, base.RequestTimeoutMS),
		ErrorRateLimitMS:       pickInt(overlay.ErrorRateLimitMS, base.ErrorRateLimitMS),
		EventBuffer:            pickInt(overlay.EventBuffer, base.EventBuffer),
		DefaultDocumentName:    pickString(overlay.DefaultDocumentName, base.DefaultDocumentName),
		DefaultDocumentContent: pickString(overlay.DefaultDocumentContent, base.DefaultDocumentContent),
		LogFile:                pickString(overlay.LogFile, base.LogFile),
		LogLevel:               pickString(overlay.LogLevel, base.LogLevel),
		DBMaxOpenConns:         pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:         pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
	}

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
