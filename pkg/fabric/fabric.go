// Package fabric turns the fabric configuration into intents and keeps them
// converged as hosts, interfaces, devices and routes change. It also handles
// packets punted by the intercept rules.
package fabric

import (
	"fmt"
	"net/netip"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
)

// Priorities. Reactive and border priorities grow with the prefix length so
// that the most specific prefix wins in the device tables.
const (
	priL2Broadcast = 600
	priL2Unicast   = 601

	priReactiveBase = 400
	priReactiveStep = 2

	// Offsets within one prefix length step.
	priRoute     = 0
	priIntercept = 1
)

// BorderGroup is the resource group of border and reactive intents.
const BorderGroup = "border"

// Deps are the external services the engine drives. Every field is required
// except Flows, which disables intercept rules when nil.
type Deps struct {
	Intents    intent.Service
	Flows      network.FlowRuleService
	Packets    network.PacketService
	Interfaces network.InterfaceService
	Hosts      network.HostService
	Devices    network.DeviceService
	Routes     network.RouteService
}

func (d Deps) validate() error {
	switch {
	case d.Intents == nil:
		return fmt.Errorf("missing intent service")
	case d.Packets == nil:
		return fmt.Errorf("missing packet service")
	case d.Interfaces == nil:
		return fmt.Errorf("missing interface service")
	case d.Hosts == nil:
		return fmt.Errorf("missing host service")
	case d.Devices == nil:
		return fmt.Errorf("missing device service")
	case d.Routes == nil:
		return fmt.Errorf("missing route service")
	}
	return nil
}

func reactivePriority(prefixLen, offset int) int {
	return priReactiveBase + prefixLen*priReactiveStep + offset
}

// ─── Keys ────────────────────────────────────────────────────────────────────

func broadcastKey(l2 string, p intent.FilteredPoint) intent.Key {
	return intent.Key(fmt.Sprintf("%s-BCAST-%s-%d", l2, p.ConnectPoint, p.VLAN))
}

func unicastKey(l2 string, h network.Host) intent.Key {
	return intent.Key(fmt.Sprintf("%s-UNI-%s-%s-%d", l2, h.Location, h.MAC, h.VLAN))
}

// prefixKey is the key of border and reactive intents toward prefix.
func prefixKey(prefix netip.Prefix) intent.Key {
	return intent.Key(prefix.Masked().String())
}

func hostPrefix(ip netip.Addr) netip.Prefix {
	return netip.PrefixFrom(ip, ip.BitLen())
}

func prefixSelector(vgw network.MAC, prefix netip.Prefix) network.Selector {
	sel := network.Selector{
		EthDst:  vgw,
		EthType: network.EthTypeFor(prefix),
	}
	if prefix.Bits() > 0 {
		sel.IPDst = prefix.Masked()
	}
	return sel
}
