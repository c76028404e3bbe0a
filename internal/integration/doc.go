// Package integration holds end-to-end tests that drive a complete
// orchestrator: admission, the signed IPC bus, the sandbox runner and
// the scheduler.
//
// The workflow tests run against the mock runtime, whose OnStart hook
// plays the agent: it reads its task from the group's in channel with
// only the keys found in its launch environment and answers on the out
// channel.
//
// Docker tests start real containers and are skipped unless enabled:
//
//	WARDEN_INTEGRATION_TESTS=1 WARDEN_RUNTIME=docker go test -v ./internal/integration/...
package integration
