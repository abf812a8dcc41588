package fabric

import (
	"net/netip"

	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

// Action is what the neighbour resolver did with one ARP or NDP packet.
type Action string

const (
	ActionGatewayReply Action = "gateway-reply"
	ActionForward      Action = "forward"
	ActionFlood        Action = "flood"
	// ActionConsumed: a reply addressed to the virtual gateway. The host
	// directory learns from it; nothing is relayed.
	ActionConsumed Action = "consumed"
	ActionDrop     Action = "drop"
	ActionError    Action = "error"
)

// NeighbourResolver answers address resolution for the virtual gateway and
// relays other ARP and NDP traffic inside the ingress L2 network.
type NeighbourResolver struct {
	m   *Manager
	log *zap.SugaredLogger
}

// neighbourMessage is the address resolution content of a frame, common to
// ARP and NDP.
type neighbourMessage struct {
	request   bool
	target    netip.Addr
	senderIP  netip.Addr
	senderMAC network.MAC
}

func parseNeighbour(f *frame) (neighbourMessage, bool) {
	switch {
	case f.arp != nil:
		target, ok1 := netipx.FromStdIP(f.arp.DstProtAddress)
		sender, ok2 := netipx.FromStdIP(f.arp.SourceProtAddress)
		if !ok1 || !ok2 {
			return neighbourMessage{}, false
		}
		switch f.arp.Operation {
		case arpRequest, arpReply:
		default:
			return neighbourMessage{}, false
		}
		return neighbourMessage{
			request:   f.arp.Operation == arpRequest,
			target:    target,
			senderIP:  sender,
			senderMAC: network.MACFrom(f.arp.SourceHwAddress),
		}, true
	case f.ns != nil:
		target, ok := netip.AddrFromSlice(f.ns.TargetAddress)
		return neighbourMessage{request: true, target: target, senderIP: f.src, senderMAC: f.ethSrc()}, ok
	case f.na != nil:
		target, ok := netip.AddrFromSlice(f.na.TargetAddress)
		return neighbourMessage{target: target, senderIP: f.src, senderMAC: f.ethSrc()}, ok
	}
	return neighbourMessage{}, false
}

// Process handles one ARP or NDP packet.
func (r *NeighbourResolver) Process(pkt network.InboundPacket, f *frame) Action {
	m := r.m
	m.mu.RLock()
	defer m.mu.RUnlock()

	a := r.processLocked(pkt, f)
	m.metrics.Neighbour.WithLabelValues(string(a)).Inc()
	return a
}

// Must be called with r.m.mu held.
func (r *NeighbourResolver) processLocked(pkt network.InboundPacket, f *frame) Action {
	m := r.m
	msg, ok := parseNeighbour(f)
	if !ok {
		r.log.Debugw("malformed neighbour packet", "from", pkt.ReceivedFrom)
		return ActionDrop
	}

	if msg.request && m.gateways.Contains(msg.target) && !m.gatewayMAC.IsZero() {
		return r.replyLocked(pkt, f, msg)
	}

	n, ok := m.registry.FindByAttachment(pkt.ReceivedFrom, f.vlan)
	if !ok || n.State.Terminal() {
		r.log.Debugw("neighbour packet outside any l2 network", "from", pkt.ReceivedFrom, "vlan", f.vlan, "target", msg.target)
		return ActionDrop
	}

	dstMAC := f.ethDst()
	if !msg.request {
		if dstMAC == m.gatewayMAC {
			return ActionConsumed
		}
		return r.toHostsLocked(pkt, n, dstMAC, true)
	}

	if !dstMAC.IsBroadcast() && !dstMAC.IsMulticast() && !dstMAC.IsZero() {
		if a := r.toHostsLocked(pkt, n, dstMAC, false); a != ActionDrop {
			return a
		}
	}
	return r.floodLocked(pkt, n, f.vlan)
}

// replyLocked answers a request for a virtual gateway address out of the
// ingress point.
// Must be called with r.m.mu held.
func (r *NeighbourResolver) replyLocked(pkt network.InboundPacket, f *frame, msg neighbourMessage) Action {
	m := r.m
	var (
		data []byte
		err  error
	)
	if msg.target.Is4() {
		data, err = arpFrame(arpReply, m.gatewayMAC, msg.target, msg.senderMAC, msg.senderIP, f.vlan)
	} else {
		data, err = neighborAdvertisement(m.gatewayMAC, msg.target, msg.senderMAC, msg.senderIP, f.vlan)
	}
	if err != nil {
		r.log.Warnw("building gateway reply", "target", msg.target, "error", err)
		return ActionError
	}
	if err := m.deps.Packets.Emit(network.OutboundPacket{Output: pkt.ReceivedFrom, Data: data}); err != nil {
		r.log.Warnw("emitting gateway reply", "target", msg.target, "error", err)
		return ActionError
	}
	r.log.Debugw("answered for gateway", "target", msg.target, "requester", msg.senderIP)
	return ActionGatewayReply
}

// toHostsLocked relays the packet to the attachments of the hosts owning mac.
// With sameNetwork only hosts attached to n are considered.
// Must be called with r.m.mu held.
func (r *NeighbourResolver) toHostsLocked(pkt network.InboundPacket, n topology.L2Network, mac network.MAC, sameNetwork bool) Action {
	seen := make(map[network.ConnectPoint]bool)
	for _, h := range r.m.deps.Hosts.HostsByMAC(mac) {
		if sameNetwork && !n.Contains(h.Location, h.VLAN) {
			continue
		}
		if seen[h.Location] {
			continue
		}
		seen[h.Location] = true
		r.emitLocked(h.Location, pkt.Data)
	}
	if len(seen) == 0 {
		return ActionDrop
	}
	return ActionForward
}

// floodLocked relays the packet out of every member interface of n except
// the one it came in on.
// Must be called with r.m.mu held.
func (r *NeighbourResolver) floodLocked(pkt network.InboundPacket, n topology.L2Network, vlan network.VlanID) Action {
	sent := 0
	for _, iface := range n.Interfaces {
		if iface.ConnectPoint == pkt.ReceivedFrom && iface.VLAN == vlan {
			continue
		}
		r.emitLocked(iface.ConnectPoint, pkt.Data)
		sent++
	}
	if sent == 0 {
		return ActionDrop
	}
	return ActionFlood
}

// Must be called with r.m.mu held.
func (r *NeighbourResolver) emitLocked(cp network.ConnectPoint, data []byte) {
	if err := r.m.deps.Packets.Emit(network.OutboundPacket{Output: cp, Data: data}); err != nil {
		r.log.Warnw("relaying neighbour packet", "output", cp, "error", err)
	}
}
