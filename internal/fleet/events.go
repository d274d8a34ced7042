package fleet

import (
	"github.com/darkermage/tasmota-fleet/internal/discovery"
)

// EventType names a registry notification
type EventType string

const (
	EventDeviceAdded       EventType = "device-added"
	EventDeviceRemoved     EventType = "device-removed"
	EventDeviceOnline      EventType = "device-online"
	EventDeviceOffline     EventType = "device-offline"
	EventDiscoveryComplete EventType = "discovery-complete"
	EventError             EventType = "error"
)

// Event is published on every registry state change.
// Entry is a snapshot taken when the event was raised.
type Event struct {
	Type     EventType
	DeviceID string
	Entry    *DeviceEntry
	// Discovery and Added are set for discovery-complete
	Discovery *discovery.Result
	Added     []string
	Err       error
}
