package testutil

import (
	"embed"

	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/scheduler"
)

//go:embed fixtures/*
var fixturesFS embed.FS

// LoadFixture loads a fixture file by name.
func LoadFixture(name string) ([]byte, error) {
	return fixturesFS.ReadFile("fixtures/" + name)
}

// LoadConfigFixture parses a TOML fixture into a validated config.
func LoadConfigFixture(name string) (*config.Config, error) {
	data, err := LoadFixture(name)
	if err != nil {
		return nil, err
	}
	return config.Parse(data)
}

// ValidConfig returns the valid configuration fixture.
func ValidConfig() (*config.Config, error) {
	return LoadConfigFixture("valid_config.toml")
}

// InvalidConfig returns the error from parsing the invalid fixture.
func InvalidConfig() (*config.Config, error) {
	return LoadConfigFixture("invalid_config.toml")
}

// Jobs returns the compiled jobs fixture.
func Jobs() ([]*scheduler.Job, error) {
	data, err := LoadFixture("jobs.yaml")
	if err != nil {
		return nil, err
	}
	return scheduler.ParseJobs(data)
}
