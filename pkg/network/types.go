package network

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// DeviceID identifies a switch in the fabric, e.g. "of:0000000000000011".
type DeviceID string

// PortNumber is a port on a device.
type PortNumber uint32

// ConnectPoint is a (device, port) attachment in the fabric.
type ConnectPoint struct {
	Device DeviceID   `json:"device" yaml:"device"`
	Port   PortNumber `json:"port" yaml:"port"`
}

func (cp ConnectPoint) String() string {
	return fmt.Sprintf("%s/%d", cp.Device, cp.Port)
}

// Less orders connect points by device then port.
func (cp ConnectPoint) Less(o ConnectPoint) bool {
	if cp.Device != o.Device {
		return cp.Device < o.Device
	}
	return cp.Port < o.Port
}

// ParseConnectPoint parses "device/port".
func ParseConnectPoint(s string) (ConnectPoint, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return ConnectPoint{}, fmt.Errorf("invalid connect point %q", s)
	}
	port, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return ConnectPoint{}, fmt.Errorf("invalid port in connect point %q: %w", s, err)
	}
	return ConnectPoint{Device: DeviceID(s[:i]), Port: PortNumber(port)}, nil
}

// VlanID is an 802.1Q tag. VlanNone means untagged.
type VlanID uint16

const VlanNone VlanID = 0

// MAC is a 48-bit ethernet address. Unlike net.HardwareAddr it is comparable.
type MAC [6]byte

var (
	BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	ZeroMAC      = MAC{}
)

// ParseMAC parses a colon separated ethernet address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("mac %q is not 48 bits", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MACFrom copies a 6 byte hardware address.
func MACFrom(hw net.HardwareAddr) MAC {
	var m MAC
	copy(m[:], hw)
	return m
}

func (m MAC) String() string                 { return m.HardwareAddr().String() }
func (m MAC) HardwareAddr() net.HardwareAddr { return net.HardwareAddr(m[:]) }
func (m MAC) IsBroadcast() bool              { return m == BroadcastMAC }
func (m MAC) IsMulticast() bool              { return m[0]&0x01 == 0x01 }
func (m MAC) IsZero() bool                   { return m == ZeroMAC }

func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Interface is a named, addressed attachment known to the interface directory.
type Interface struct {
	Name         string         `json:"name" yaml:"name"`
	ConnectPoint ConnectPoint   `json:"connectPoint" yaml:"connectPoint"`
	VLAN         VlanID         `json:"vlan,omitempty" yaml:"vlan,omitempty"`
	MAC          MAC            `json:"mac" yaml:"mac"`
	IPs          []netip.Prefix `json:"ips,omitempty" yaml:"ips,omitempty"`
}

// HasIPs reports whether the interface carries any address.
func (i Interface) HasIPs() bool { return len(i.IPs) > 0 }

// HasIP reports whether addr is one of the interface addresses.
func (i Interface) HasIP(addr netip.Addr) bool {
	for _, p := range i.IPs {
		if p.Addr() == addr {
			return true
		}
	}
	return false
}

// Subnets reports whether addr lies inside one of the interface subnets.
func (i Interface) Subnets(addr netip.Addr) bool {
	for _, p := range i.IPs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Host is an end station learned by the host directory.
type Host struct {
	ID       string       `json:"id" yaml:"id"`
	MAC      MAC          `json:"mac" yaml:"mac"`
	VLAN     VlanID       `json:"vlan,omitempty" yaml:"vlan,omitempty"`
	IPs      []netip.Addr `json:"ips,omitempty" yaml:"ips,omitempty"`
	Location ConnectPoint `json:"location" yaml:"location"`
}

// Encapsulation is the L2 carrier used for an L2 network.
type Encapsulation string

const (
	EncapNone  Encapsulation = "NONE"
	EncapVLAN  Encapsulation = "VLAN"
	EncapMPLS  Encapsulation = "MPLS"
	EncapVXLAN Encapsulation = "VXLAN"
)

// ParseEncapsulation accepts the names case-insensitively; "" is NONE.
func ParseEncapsulation(s string) (Encapsulation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return EncapNone, nil
	case "VLAN":
		return EncapVLAN, nil
	case "MPLS":
		return EncapMPLS, nil
	case "VXLAN":
		return EncapVXLAN, nil
	}
	return EncapNone, fmt.Errorf("unknown encapsulation %q", s)
}

// Subnet is a locally owned IP subnet served by the virtual gateway.
type Subnet struct {
	Prefix        netip.Prefix  `json:"prefix" yaml:"prefix"`
	Gateway       netip.Addr    `json:"gatewayIp" yaml:"gatewayIp"`
	L2Network     string        `json:"l2NetworkName" yaml:"l2NetworkName"`
	Encapsulation Encapsulation `json:"encapsulation,omitempty" yaml:"encapsulation,omitempty"`
}

// RouteSource tells where a route came from.
type RouteSource string

const (
	RouteStatic  RouteSource = "STATIC"
	RouteLearned RouteSource = "LEARNED"
)

// Route is an external (border) route.
type Route struct {
	Source  RouteSource  `json:"source" yaml:"source"`
	Prefix  netip.Prefix `json:"prefix" yaml:"prefix"`
	NextHop netip.Addr   `json:"nextHop" yaml:"nextHop"`
}

// EtherType values used in selectors.
const (
	EthTypeIPv4 uint16 = 0x0800
	EthTypeARP  uint16 = 0x0806
	EthTypeIPv6 uint16 = 0x86dd
)

// EthTypeFor returns the ethertype matching the address family of p.
func EthTypeFor(p netip.Prefix) uint16 {
	if p.Addr().Is4() {
		return EthTypeIPv4
	}
	return EthTypeIPv6
}

// Selector is the match part of an intent or flow rule. Zero fields are
// wildcards. It is comparable so records can be diffed structurally.
type Selector struct {
	EthDst  MAC          `json:"ethDst,omitempty" yaml:"ethDst,omitempty"`
	EthType uint16       `json:"ethType,omitempty" yaml:"ethType,omitempty"`
	IPDst   netip.Prefix `json:"ipDst,omitempty" yaml:"ipDst,omitempty"`
	VLAN    VlanID       `json:"vlan,omitempty" yaml:"vlan,omitempty"`
}

func (s Selector) String() string {
	var parts []string
	if !s.EthDst.IsZero() {
		parts = append(parts, "ethDst="+s.EthDst.String())
	}
	if s.EthType != 0 {
		parts = append(parts, fmt.Sprintf("ethType=0x%04x", s.EthType))
	}
	if s.IPDst.IsValid() {
		parts = append(parts, "ipDst="+s.IPDst.String())
	}
	if s.VLAN != VlanNone {
		parts = append(parts, fmt.Sprintf("vlan=%d", s.VLAN))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}

// Treatment is the action part of an intent or flow rule.
type Treatment struct {
	SetEthSrc MAC        `json:"setEthSrc,omitempty" yaml:"setEthSrc,omitempty"`
	SetEthDst MAC        `json:"setEthDst,omitempty" yaml:"setEthDst,omitempty"`
	Punt      bool       `json:"punt,omitempty" yaml:"punt,omitempty"`
	Flood     bool       `json:"flood,omitempty" yaml:"flood,omitempty"`
	Output    PortNumber `json:"output,omitempty" yaml:"output,omitempty"`
}

// FlowRule is a device level rule, used for packet intercepts.
type FlowRule struct {
	Device    DeviceID  `json:"device" yaml:"device"`
	Priority  int       `json:"priority" yaml:"priority"`
	Selector  Selector  `json:"selector" yaml:"selector"`
	Treatment Treatment `json:"treatment" yaml:"treatment"`
	App       string    `json:"app" yaml:"app"`
}

func (r FlowRule) String() string {
	return fmt.Sprintf("%s[%d] %s", r.Device, r.Priority, r.Selector)
}

// InboundPacket is a frame punted to the controller.
type InboundPacket struct {
	ReceivedFrom ConnectPoint
	Data         []byte
}

// OutboundPacket is a frame emitted by the controller out of Output.
type OutboundPacket struct {
	Output ConnectPoint
	Data   []byte
}
