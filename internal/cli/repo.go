package cli

import (
	"fmt"
	"os"

	"github.com/roach88/hashrepo/internal/blob"
	"github.com/roach88/hashrepo/internal/config"
	"github.com/roach88/hashrepo/internal/store"
)

// loadConfig reads the configuration selected by the root flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	return config.Load(o.Config)
}

// openStore opens the relational store named by cfg, creating the data
// directory when needed.
func openStore(cfg config.Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(cfg.Storage.DatabasePath())
}

// openBlobs opens the blob store named by cfg.
func openBlobs(cfg config.Config) (*blob.Store, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return blob.Open(cfg.Storage.BlobPath())
}
