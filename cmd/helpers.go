package cmd

import (
	"os"

	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/ipc"
)

// paths returns the paths selected by the persistent flags.
func paths() *config.Paths {
	return config.PathsFor(configDir, stateDir, runDir)
}

// loadConfig reads warden.toml, falling back to defaults when the file
// does not exist.
func loadConfig() (*config.Config, error) {
	p := paths()
	if _, err := os.Stat(p.ConfigFile); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(p.ConfigFile)
	if err != nil {
		return nil, errors.ConfigError("load "+p.ConfigFile, err)
	}
	return cfg, nil
}

// openBus opens the IPC root with the master key from the environment.
func openBus(cfg *config.Config) (*ipc.Bus, error) {
	keys, err := ipc.KeyringFromEnv(cfg.IPC.KeyEnv)
	if err != nil {
		return nil, errors.ConfigError("ipc key", err)
	}
	return ipc.New(cfg.IPC.Root, keys), nil
}
