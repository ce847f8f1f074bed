package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/e2e"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/services/sync"
	"github.com/TheMichaelB/davsync/internal/state"
	"github.com/TheMichaelB/davsync/internal/storage"
	"github.com/TheMichaelB/davsync/internal/transport"
)

// Client provides the high-level API for one account.
type Client struct {
	Sync  *sync.Service
	DAV   *transport.DAVClient
	OCS   *transport.OCSClient
	State state.Store
	E2E   *e2e.Manager // nil when end-to-end encryption is off

	config  *config.Config
	logger  *events.Logger
	http    *transport.HTTPClient
	storage *storage.LocalStore
}

// Options tweak client construction.
type Options struct {
	// Store overrides the sqlite cache, mostly for tests.
	Store state.Store

	// Blobs overrides the local file tree.
	Blobs *storage.LocalStore
}

// New creates a client for the configured account. Key material is loaded
// eagerly so a wrong mnemonic fails before any sync starts.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger, opts Options) (*Client, error) {
	httpClient := transport.NewHTTPClient(&cfg.Server, &cfg.Dev, logger)
	dav := transport.NewDAVClient(httpClient, logger)
	ocs := transport.NewOCSClient(httpClient, logger)

	stateStore := opts.Store
	if stateStore == nil {
		dbPath := expandHome(cfg.Storage.StateDB)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		s, err := state.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return nil, err
		}
		stateStore = s
	}

	blobStore := opts.Blobs
	if blobStore == nil {
		s, err := storage.NewLocalStore(expandHome(cfg.Storage.SyncDir), logger)
		if err != nil {
			stateStore.Close()
			return nil, err
		}
		blobStore = s
	}
	blobStore.SetMinFreeSpace(cfg.Storage.MinFreeDisk)
	blobStore.SetMaxFileSize(cfg.Storage.MaxFileSize)

	var manager *e2e.Manager
	if cfg.E2E.Enabled {
		keys, err := e2e.LoadKeys(ctx, ocs, cfg.Server.User, cfg.E2E)
		if err != nil {
			stateStore.Close()
			return nil, err
		}
		manager = e2e.NewManager(ocs, keys, logger)
	}

	account := cfg.Server.Account()
	svc := sync.NewService(dav, stateStore, blobStore, manager, &cfg.Sync, logger)
	svc.SetAccount(account)

	c := &Client{
		Sync:    svc,
		DAV:     dav,
		OCS:     ocs,
		State:   stateStore,
		E2E:     manager,
		config:  cfg,
		logger:  logger.WithField("account", account),
		http:    httpClient,
		storage: blobStore,
	}
	c.logger.WithField("server", httpClient.BaseURL()).Debug("Client ready")
	return c, nil
}

// SyncDir returns the root of the local mirror.
func (c *Client) SyncDir() string {
	return c.storage.BaseDir()
}

// CheckServer verifies the account can reach the server and, with
// encryption on, that the server supports it.
func (c *Client) CheckServer(ctx context.Context) error {
	if _, err := c.DAV.Stat(ctx, "/"); err != nil {
		return fmt.Errorf("check server: %w", err)
	}
	if c.E2E == nil {
		return nil
	}
	if _, err := c.E2E.Version(ctx); err != nil {
		return fmt.Errorf("check server: %w", err)
	}
	return nil
}

// Close releases the local cache.
func (c *Client) Close() error {
	var errs []error
	if err := c.State.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.logger.Sync(); err != nil && !isIgnorableSyncErr(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// expandHome resolves a leading "~/" against the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[2:])
}

// Syncing stderr fails on terminals with EINVAL or ENOTTY.
func isIgnorableSyncErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}
