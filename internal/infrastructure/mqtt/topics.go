package mqtt

import "fmt"

// Topic prefixes. Every topic lives under waypointsync/{category}/...
const (
	// TopicPrefix is the root of all daemon topics.
	TopicPrefix = "waypointsync"

	// TopicPrefixEvent is the base for store and pass events.
	TopicPrefixEvent = "waypointsync/event"

	// TopicPrefixCommand is the base for inbound commands.
	TopicPrefixCommand = "waypointsync/command"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "waypointsync/system"
)

// Topics provides builders for daemon MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.WaypointEvent()  // "waypointsync/event/waypoint"
type Topics struct{}

// WaypointEvent returns the topic for store change events.
//
// Example: waypointsync/event/waypoint
func (Topics) WaypointEvent() string {
	return fmt.Sprintf("%s/waypoint", TopicPrefixEvent)
}

// SyncEvent returns the topic for completed fan-out passes.
//
// Example: waypointsync/event/sync
func (Topics) SyncEvent() string {
	return fmt.Sprintf("%s/sync", TopicPrefixEvent)
}

// WaypointCommand returns the topic on which other systems submit waypoints.
//
// Example: waypointsync/command/waypoint
func (Topics) WaypointCommand() string {
	return fmt.Sprintf("%s/waypoint", TopicPrefixCommand)
}

// SyncCommand returns the topic that requests a full resync.
//
// Example: waypointsync/command/sync
func (Topics) SyncCommand() string {
	return fmt.Sprintf("%s/sync", TopicPrefixCommand)
}

// Health returns the health topic for a component.
//
// Example: waypointsync/health/n2k
func (Topics) Health(component string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, component)
}

// SystemStatus returns the daemon status topic, also used as its LWT.
//
// Example: waypointsync/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllCommands returns a pattern matching every command topic.
//
// Pattern: waypointsync/command/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/+", TopicPrefixCommand)
}

// AllHealth returns a pattern matching every health topic.
//
// Pattern: waypointsync/health/+
func (Topics) AllHealth() string {
	return fmt.Sprintf("%s/health/+", TopicPrefix)
}

// AllTopics returns a pattern matching every daemon topic.
//
// Pattern: waypointsync/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
