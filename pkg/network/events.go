package network

// EventType is the kind of change reported by a directory.
type EventType string

const (
	EventAdded   EventType = "ADDED"
	EventUpdated EventType = "UPDATED"
	EventRemoved EventType = "REMOVED"
	// EventMoved is a host seen at a new location.
	EventMoved EventType = "MOVED"
)

// HostEvent reports a host change. Prev is set for updates and moves.
type HostEvent struct {
	Type EventType
	Host Host
	Prev *Host
}

// InterfaceEvent reports an interface change. Prev is set for updates.
type InterfaceEvent struct {
	Type      EventType
	Interface Interface
	Prev      *Interface
}

// DeviceEvent reports a device becoming available or unavailable.
type DeviceEvent struct {
	Device    DeviceID
	Available bool
}

// RouteEvent reports a route table change.
type RouteEvent struct {
	Type  EventType
	Route Route
}

// Listener receives directory events. Implementations must be safe for
// concurrent use.
type Listener interface {
	HostChanged(HostEvent)
	InterfaceChanged(InterfaceEvent)
	DeviceChanged(DeviceEvent)
	RouteChanged(RouteEvent)
}
