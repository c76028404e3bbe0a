// Package app wires the orchestrator's components into one process.
//
// New builds every component from the configuration held in a
// config.Holder, using the functional options pattern so tests can
// substitute any dependency:
//
//	a, err := app.New(ctx,
//	    app.WithPaths(paths),
//	    app.WithConfig(config.NewHolder(cfg)),
//	    app.WithRuntime(runtime.NewMockRuntime()),
//	    app.WithStore(store.NewMemory()),
//	    app.WithKeyring(keys),
//	    app.WithReplies(&channel.Memory{}),
//	)
//
// # Message flow
//
// Inbound chat messages enter through HandleInbound, which runs the
// admission pipeline: normalize, rate limit, publish a signed task to the
// group's in channel and queue a sandbox run. Sandboxes answer on their
// out channel; the IPC watcher verifies each message and handleIPC acts on
// it (reply to the chat, record an error, register a one-shot job, or
// query the knowledge base and answer on the in channel).
//
// Serve runs the background loops: the IPC watcher, the scheduler, the
// rate limit sweeper, the health monitor and the heartbeat timer.
package app
