package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "DAVSYNC"

// Loader handles configuration loading from file, environment and flags.
type Loader struct {
	v          *viper.Viper
	configPath string
}

// NewLoader creates a config loader backed by a fresh viper instance.
func NewLoader(configPath string) *Loader {
	return NewLoaderWithViper(viper.New(), configPath)
}

// NewLoaderWithViper uses an existing viper instance, typically one with
// command line flags already bound to it.
func NewLoaderWithViper(v *viper.Viper, configPath string) *Loader {
	ApplyDefaults(v)
	return &Loader{
		v:          v,
		configPath: configPath,
	}
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()

	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.user", d.Server.User)
	v.SetDefault("server.app_password", d.Server.AppPassword)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.max_retries", d.Server.MaxRetries)
	v.SetDefault("server.user_agent", d.Server.UserAgent)

	v.SetDefault("e2e.enabled", d.E2E.Enabled)
	v.SetDefault("e2e.certificate_file", d.E2E.CertificateFile)
	v.SetDefault("e2e.private_key_file", d.E2E.PrivateKeyFile)
	v.SetDefault("e2e.mnemonic", d.E2E.Mnemonic)

	// sync_dir and state_db derive from data_dir when left empty.
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.sync_dir", "")
	v.SetDefault("storage.state_db", "")
	v.SetDefault("storage.min_free_disk", d.Storage.MinFreeDisk)
	v.SetDefault("storage.max_file_size", d.Storage.MaxFileSize)

	v.SetDefault("sync.chunk_size", d.Sync.ChunkSize)
	v.SetDefault("sync.max_concurrent", d.Sync.MaxConcurrent)
	v.SetDefault("sync.progress_interval", d.Sync.ProgressInterval)
	v.SetDefault("sync.root_path", d.Sync.RootPath)
	v.SetDefault("sync.metadata_only", d.Sync.MetadataOnly)
	v.SetDefault("sync.push_local", d.Sync.PushLocal)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.color", d.Log.Color)

	v.SetDefault("dev.insecure_skip_verify", d.Dev.InsecureSkipVerify)
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	if err := l.readFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Storage.SyncDir == "" {
		cfg.Storage.SyncDir = filepath.Join(cfg.Storage.DataDir, "files")
	}
	if cfg.Storage.StateDB == "" {
		cfg.Storage.StateDB = filepath.Join(cfg.Storage.DataDir, "state.db")
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) readFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		return nil
	}

	l.v.SetConfigName("davsync")
	for _, dir := range defaultDirs() {
		l.v.AddConfigPath(dir)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("load config file: %w", err)
	}
	return nil
}

// defaultDirs returns default config file locations.
func defaultDirs() []string {
	dirs := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "davsync"),
			filepath.Join(homeDir, ".davsync"),
		)
	}

	return dirs
}
