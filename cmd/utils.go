package cmd

import (
	"fmt"

	"github.com/taskhive/taskhive-go/pkg/config"
	"github.com/taskhive/taskhive-go/pkg/log"
	"github.com/taskhive/taskhive-go/pkg/storage"
	"github.com/urfave/cli/v3"
)

// loadConfig reads the configuration referenced by the global --config flag
// and applies the global --debug toggle.
func loadConfig(c *cli.Command) (*config.Config, error) {
	if c.Bool("debug") {
		log.SetGlobalDebug(true)
	}
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openStore opens the credential store referenced by cfg.
func openStore(cfg *config.Config) (storage.Store, error) {
	store, err := storage.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	return store, nil
}
