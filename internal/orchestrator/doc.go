// Package orchestrator is the synchronisation authority of the daemon.
//
// It owns the cycle loop: ask the change detector whether the watched
// directory changed, merge changed GPX files into the waypoint store, then
// run a fan-out pass. A pass converts the canonical GPX file once per
// device format and broadcasts the affected waypoints on the bus for every
// device whose conversion succeeded. Waypoints heard on the bus enter
// through OnBusWaypoint, are stored, written back to the canonical file and
// fanned out the same way.
//
// Lifecycle:
//
//	orch, err := orchestrator.New(opts)
//	if err := orch.OnStartup(ctx); err != nil { ... }
//	go orch.Run(ctx)
//
// Passes are serialised. Collaborator failures are logged and counted in
// the PassReport; they never stop the loop.
package orchestrator
