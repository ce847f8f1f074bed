package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server connection
	Server ServerConfig `json:"server" mapstructure:"server"`

	// End-to-end encryption
	E2E E2EConfig `json:"e2e" mapstructure:"e2e"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`

	// Development options
	Dev DevConfig `json:"dev,omitempty" mapstructure:"dev"`
}

// ServerConfig for WebDAV/OCS communication.
type ServerConfig struct {
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`
	User        string        `json:"user" mapstructure:"user"`
	AppPassword string        `json:"app_password,omitempty" mapstructure:"app_password"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries  int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent   string        `json:"user_agent" mapstructure:"user_agent"`
}

// Account names the configured login as user@host.
func (s *ServerConfig) Account() string {
	host := s.BaseURL
	if u, err := url.Parse(s.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return s.User + "@" + host
}

// E2EConfig for encrypted folder support.
type E2EConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// PEM files for the account key pair. When PrivateKeyFile is empty the
	// private key is fetched from the server and unlocked with the mnemonic.
	CertificateFile string `json:"certificate_file" mapstructure:"certificate_file"`
	PrivateKeyFile  string `json:"private_key_file" mapstructure:"private_key_file"`
	Mnemonic        string `json:"mnemonic,omitempty" mapstructure:"mnemonic"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir     string `json:"data_dir" mapstructure:"data_dir"`         // Base directory for all data
	SyncDir     string `json:"sync_dir" mapstructure:"sync_dir"`         // Local mirror of the remote tree
	StateDB     string `json:"state_db" mapstructure:"state_db"`         // Local cache database
	MinFreeDisk int64  `json:"min_free_disk" mapstructure:"min_free_disk"` // Refuse downloads below this
	MaxFileSize int64  `json:"max_file_size" mapstructure:"max_file_size"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	ChunkSize        int64         `json:"chunk_size" mapstructure:"chunk_size"`               // Upload chunk size
	MaxConcurrent    int           `json:"max_concurrent" mapstructure:"max_concurrent"`       // Concurrent folder workers
	ProgressInterval time.Duration `json:"progress_interval" mapstructure:"progress_interval"` // Progress update frequency
	RootPath         string        `json:"root_path" mapstructure:"root_path"`
	MetadataOnly     bool          `json:"metadata_only" mapstructure:"metadata_only"`
	// PushLocal uploads local edits found in folders whose etag is
	// unchanged. Off, such folders cost one request and nothing else.
	PushLocal        bool          `json:"push_local" mapstructure:"push_local"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color"`
}

// DevConfig for development/debugging.
type DevConfig struct {
	InsecureSkipVerify bool `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".davsync"

	return &Config{
		Server: ServerConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "Mozilla/5.0 (Linux) mirall/3.13.0 (davsync)",
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			SyncDir:     filepath.Join(dataDir, "files"),
			StateDB:     filepath.Join(dataDir, "state.db"),
			MinFreeDisk: 50 * 1024 * 1024,
			MaxFileSize: 10 * 1024 * 1024 * 1024,
		},
		Sync: SyncConfig{
			ChunkSize:        1024 * 1024, // 1 MiB chunks
			MaxConcurrent:    4,
			ProgressInterval: 750 * time.Millisecond,
			RootPath:         "/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}

	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server.base_url: %s", c.Server.BaseURL)
	}

	if c.Server.User == "" {
		return errors.New("server.user is required")
	}

	if c.Server.Timeout <= 0 {
		return errors.New("server.timeout must be positive")
	}

	if c.Storage.MaxFileSize <= 0 {
		return errors.New("storage.max_file_size must be positive")
	}

	if c.Sync.ChunkSize <= 0 {
		return errors.New("sync.chunk_size must be positive")
	}

	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}

	if c.E2E.Enabled && c.E2E.CertificateFile == "" {
		return errors.New("e2e.certificate_file is required when e2e is enabled")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.SyncDir,
		filepath.Dir(c.Storage.StateDB),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
