package blackboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to enable
// multiple Rookery instances to safely coexist on a single Redis server.
//
// Key pattern: rookery:{instance_name}:{entity}:{uuid}
// Channel pattern: rookery:{instance_name}:{event_type}_events

// ItemKey returns the Redis key for an item hash.
// Pattern: rookery:{instance_name}:item:{item_id}
func ItemKey(instanceName, itemID string) string {
	return fmt.Sprintf("rookery:%s:item:%s", instanceName, itemID)
}

// ItemsAllKey returns the Redis key for the global item index.
// This is a ZSET of item ids scored by created_at_ms.
// Pattern: rookery:{instance_name}:items:all
func ItemsAllKey(instanceName string) string {
	return fmt.Sprintf("rookery:%s:items:all", instanceName)
}

// ItemsByTypeKey returns the Redis key for a per-type item index.
// This is a ZSET of item ids scored by created_at_ms.
// Pattern: rookery:{instance_name}:items:type:{type}
func ItemsByTypeKey(instanceName string, itemType ItemType) string {
	return fmt.Sprintf("rookery:%s:items:type:%s", instanceName, itemType)
}

// EventsStreamKey returns the Redis key for the append-only event stream.
// Pattern: rookery:{instance_name}:events
func EventsStreamKey(instanceName string) string {
	return fmt.Sprintf("rookery:%s:events", instanceName)
}

// ItemEventsChannel returns the Pub/Sub channel name for live item events.
// Pattern: rookery:{instance_name}:item_events
func ItemEventsChannel(instanceName string) string {
	return fmt.Sprintf("rookery:%s:item_events", instanceName)
}
