package network

import (
	"context"
	"errors"
	"net/netip"
)

// ErrNotSupported is returned when a driver does not support an operation.
var ErrNotSupported = errors.New("operation not supported by this driver")

// FlowRuleService programs device level rules. Rules are owned by an
// application identity so they can be cleared together.
type FlowRuleService interface {
	Apply(ctx context.Context, rules ...FlowRule) error
	Remove(ctx context.Context, rules ...FlowRule) error
	RemoveByApp(ctx context.Context, app string) error
}

// PacketService emits frames into the fabric.
type PacketService interface {
	Emit(pkt OutboundPacket) error
}

// InterfaceService is the directory of configured interfaces.
type InterfaceService interface {
	Interfaces() []Interface
	InterfaceByName(name string) (Interface, bool)
	// InterfacesAt returns the interfaces configured on an attachment point.
	InterfacesAt(cp ConnectPoint) []Interface
}

// HostService is the directory of learned hosts.
type HostService interface {
	Hosts() []Host
	HostsByIP(ip netip.Addr) []Host
	HostsByMAC(mac MAC) []Host
	// StartMonitoringIP asks the directory to probe for ip until it is learned.
	StartMonitoringIP(ip netip.Addr)
}

// DeviceService reports device availability.
type DeviceService interface {
	IsAvailable(id DeviceID) bool
	AvailableDevices() []DeviceID
}

// RouteService is the external route table.
type RouteService interface {
	Update(routes ...Route)
	Withdraw(routes ...Route)
	LongestPrefixMatch(ip netip.Addr) (Route, bool)
	Routes() []Route
}
