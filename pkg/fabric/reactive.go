package fabric

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
)

// Verdict is the outcome of classifying one punted IP packet.
type Verdict string

const (
	VerdictIgnored      Verdict = "ignored"
	VerdictGatewayReply Verdict = "gateway-reply"
	VerdictGatewayDrop  Verdict = "gateway-drop"
	// VerdictExtended: the packet joined an existing host intent.
	VerdictExtended  Verdict = "extended"
	VerdictForwarded Verdict = "forwarded"
	// VerdictResolving: a MAC is missing and a resolution request went out.
	VerdictResolving Verdict = "resolving"
	VerdictNoRoute   Verdict = "no-route"
	VerdictTransit   Verdict = "transit-drop"
	VerdictError     Verdict = "error"
)

// Classifier handles IP packets punted by the intercept rules. It answers
// echo requests to the virtual gateway, synthesizes prefix intents for both
// directions of a flow and forwards the packet itself toward its next hop.
type Classifier struct {
	m   *Manager
	log *zap.SugaredLogger
}

// Process classifies one packet.
func (c *Classifier) Process(pkt network.InboundPacket, f *frame) Verdict {
	m := c.m
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := c.processLocked(pkt, f)
	m.metrics.Packets.WithLabelValues(string(v)).Inc()
	return v
}

// Must be called with c.m.mu held.
func (c *Classifier) processLocked(pkt network.InboundPacket, f *frame) Verdict {
	m := c.m
	src, dst := f.src, f.dst
	if !src.IsValid() || !dst.IsValid() {
		return VerdictIgnored
	}
	gw := m.gatewayMAC
	srcPoint := intent.FilteredPoint{ConnectPoint: pkt.ReceivedFrom, VLAN: f.vlan}

	if f.ethDst() == gw && m.gateways.Contains(dst) {
		reply, err := echoReply(f, gw)
		switch {
		case err != nil:
			c.log.Warnw("building echo reply", "dst", dst, "error", err)
			return VerdictError
		case reply == nil:
			c.log.Debugw("dropping non echo traffic to gateway", "src", src, "dst", dst)
			return VerdictGatewayDrop
		}
		if err := m.deps.Packets.Emit(network.OutboundPacket{Output: pkt.ReceivedFrom, Data: reply}); err != nil {
			c.log.Warnw("emitting echo reply", "dst", src, "error", err)
			return VerdictError
		}
		return VerdictGatewayReply
	}

	dstSubnet, dstLocal := m.subnets.FindContaining(dst)
	srcSubnet, srcLocal := m.subnets.FindContaining(src)

	// A later sender toward a known host only joins the existing intent.
	if dstLocal {
		if found, extended := m.reconciler.ExtendIngress(prefixKey(hostPrefix(dst)), srcPoint); found {
			if extended {
				c.log.Infow("host intent extended", "dst", dst, "ingress", srcPoint)
			}
			return c.forwardLocked(pkt, dst, VerdictExtended)
		}
	}

	encap := network.EncapNone
	switch {
	case dstLocal && dstSubnet.Encapsulation != "" && dstSubnet.Encapsulation != network.EncapNone:
		encap = dstSubnet.Encapsulation
	case srcLocal && srcSubnet.Encapsulation != "":
		encap = srcSubnet.Encapsulation
	}

	var (
		egress  *intent.FilteredPoint
		nextHop = dst
	)
	switch {
	case dstLocal:
		egress = c.connectLocked(srcPoint, hostPrefix(dst), dst, encap)
	case !srcLocal:
		c.log.Debugw("dropping transit packet", "src", src, "dst", dst)
		return VerdictTransit
	default:
		route, ok := m.deps.Routes.LongestPrefixMatch(dst)
		if !ok {
			c.log.Warnw("no route toward destination", "src", src, "dst", dst)
			return VerdictNoRoute
		}
		nextHop = route.NextHop
		egress = c.connectLocked(srcPoint, route.Prefix, route.NextHop, encap)
	}
	if egress == nil {
		return VerdictResolving
	}

	// Reverse direction, entering where the forward direction leaves.
	if srcLocal {
		c.connectLocked(*egress, hostPrefix(src), src, encap)
	} else if route, ok := m.deps.Routes.LongestPrefixMatch(src); ok {
		c.connectLocked(*egress, route.Prefix, route.NextHop, encap)
	}

	return c.forwardLocked(pkt, nextHop, VerdictForwarded)
}

// connectLocked makes src an ingress of the intent toward prefix via
// nextHop and returns the egress. It returns nil while nextHop is unresolved.
// Must be called with c.m.mu held.
func (c *Classifier) connectLocked(src intent.FilteredPoint, prefix netip.Prefix, nextHop netip.Addr, encap network.Encapsulation) *intent.FilteredPoint {
	t, ok := c.m.targetLocked(prefix, nextHop, encap)
	if !ok {
		c.log.Debugw("next hop unresolved", "prefix", prefix, "nextHop", nextHop)
		return nil
	}
	if t.Egress.ConnectPoint != src.ConnectPoint && c.m.reconciler.SetUpConnectivity(src, t) {
		c.log.Infow("reactive intent set up", "prefix", t.Prefix, "ingress", src, "egress", t.Egress)
	}
	egress := t.Egress
	return &egress
}

// forwardLocked sends the punted packet itself to the host owning target,
// rewritten as if routed by the gateway.
// Must be called with c.m.mu held.
func (c *Classifier) forwardLocked(pkt network.InboundPacket, target netip.Addr, v Verdict) Verdict {
	m := c.m
	hosts := m.deps.Hosts.HostsByIP(target)
	if len(hosts) == 0 {
		m.resolveLocked(target)
		return VerdictResolving
	}
	h := hosts[0]
	out := network.OutboundPacket{Output: h.Location, Data: rewriteMACs(pkt.Data, m.gatewayMAC, h.MAC)}
	if err := m.deps.Packets.Emit(out); err != nil {
		c.log.Warnw("forwarding packet", "target", target, "error", err)
		return VerdictError
	}
	return v
}
