// Package testutil provides test fixtures and a wired orchestrator for
// tests that cross package boundaries.
//
// # Fixtures
//
// Fixtures are embedded using go:embed:
//
//	fixtures/valid_config.toml
//	fixtures/invalid_config.toml
//	fixtures/jobs.yaml
//
//	cfg, err := testutil.ValidConfig()
//	_, err = testutil.InvalidConfig() // fails validation
//	jobs, err := testutil.Jobs()
//
// # Test Environment
//
// NewTestEnv builds a complete App on temporary directories with a mock
// runtime, an in-memory store and a recording reply channel:
//
//	env := testutil.NewTestEnv(t)
//	env.Serve()
//	env.Inbound("alice", "family", "chat-1", "hello")
//	replies := env.WaitForReplies(1)
package testutil
