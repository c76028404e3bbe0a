// Package runtime launches sandbox processes.
//
// Supported runtimes:
//   - process: the agent runs as a host process in its own process group,
//     with an explicit minimal environment and the group workspace as its
//     working directory
//   - docker: the agent runs in a throwaway docker or podman container with
//     the mount set bound in
//
// # Runtime Interface
//
// Start launches one sandbox and returns a Process handle; Wait blocks for
// the exit status and Signal reaches every process the sandbox spawned.
// Ping reports whether the backend can launch anything at all and feeds the
// health monitor.
//
// # Mount Policy
//
// MountPolicy builds and checks the set of host paths a sandbox may see.
// A group sees its own workspace read-write and the shared paths
// read-only; forbidden paths and other groups' workspaces are rejected
// before anything is started.
//
// # Mock Runtime
//
// For testing, use NewMockRuntime() to create a mock implementation whose
// processes exit when told to, or never, and which records every call.
package runtime
