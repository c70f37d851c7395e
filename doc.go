// Package supervisor manages an external Codex reasoning-agent worker
// process on behalf of a host application: spawning it, probing its health,
// restarting it when it degrades, and running tasks against it over a local
// TCP connection.
//
// The package splits into three cooperating layers. Lifecycle owns the
// worker's state machine (Stopped, Starting, Running, Error) and the
// process itself. ConnectionClient owns one session: heartbeats,
// connection-loss recovery, and the checkpoint written when recovery gives
// up. RequestDispatcher, underneath the client, correlates requests with
// responses by UUID and guarantees each call resolves exactly once.
//
// Typical usage:
//
//	cfg := supervisor.Config{BinaryPath: "/usr/local/bin/codex-worker"}
//	lc, err := supervisor.NewLifecycle(cfg,
//		supervisor.WithLogger(logger))
//	if err != nil { ... }
//	defer lc.Close(ctx)
//
//	client := supervisor.NewConnectionClient(lc,
//		supervisor.WithCheckpointStore(store))
//	defer client.Dispose()
//
//	if err := client.Connect(ctx); err != nil { ... }
//
//	result, err := client.Submit(ctx, supervisor.Task{
//		Instruction: "summarize the open diagnostics",
//	})
//
// The worker is restarted automatically after three consecutive failed
// health probes. An unrecoverable connection produces a
// ReconnectionExhaustedError and, when a CheckpointStore is configured, a
// persisted snapshot of the calls that were in flight.
package supervisor
