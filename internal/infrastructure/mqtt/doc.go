// Package mqtt connects the daemon to an MQTT broker.
//
// The broker is an optional side channel: store changes and completed sync
// passes are published as events, other systems can submit waypoints on a
// command topic, and the bus bridge publishes its health. The sync core
// never depends on the broker being reachable.
//
// # Topics
//
//	waypointsync/event/waypoint    store changes (added/updated)
//	waypointsync/event/sync        completed fan-out passes
//	waypointsync/command/waypoint  inbound waypoints
//	waypointsync/command/sync      manual resync request
//	waypointsync/health/n2k        bus bridge health (retained)
//	waypointsync/system/status     online/offline + LWT (retained)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.SubscribeWaypointCommands(func(cmd mqtt.WaypointCommand) error {
//	    return orch.OnBusWaypoint(ctx, cmd.Latitude, cmd.Longitude, cmd.Name)
//	})
package mqtt
