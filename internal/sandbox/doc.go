// Package sandbox runs agent invocations for groups.
//
// A Runner turns a SpawnRequest into a running sandbox: it checks the
// mount set against the policy, resolves the requested secrets into the
// launch environment, stages oversized prompts, and starts the process
// through a runtime, retrying failed starts with exponential backoff.
//
// Invocations for one group are serialized through a FIFO queue guarded by
// a compare-and-swap busy flag, so two messages for the same group never
// write to its workspace concurrently. Different groups run in parallel.
//
// Await bounds every wait. A sandbox that outlives its timeout gets
// SIGTERM, then SIGKILL after the grace period, and is marked TimedOut.
// A non-zero exit is Failed and carries the last error the sandbox
// reported over IPC, if any.
package sandbox
