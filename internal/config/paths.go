package config

import "path/filepath"

// Paths holds the configured paths
type Paths struct {
	ConfigDir  string
	StateDir   string
	RunDir     string
	ConfigFile string
	AuditDir   string
}

// DefaultPaths returns the default path configuration
func DefaultPaths() *Paths {
	return PathsFor(DefaultConfigDir, DefaultStateDir, DefaultRunDir)
}

// PathsFor derives the full path set from the three base directories.
func PathsFor(configDir, stateDir, runDir string) *Paths {
	return &Paths{
		ConfigDir:  configDir,
		StateDir:   stateDir,
		RunDir:     runDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
		AuditDir:   filepath.Join(stateDir, "audit"),
	}
}
