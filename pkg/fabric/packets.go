package fabric

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go4.org/netipx"

	"github.com/glennswest/microfabric/pkg/network"
)

var errNotEthernet = errors.New("not an ethernet frame")

// frame is a decoded punted packet. Only the layers the engine looks at are
// kept; nil means absent.
type frame struct {
	eth   *layers.Ethernet
	vlan  network.VlanID
	arp   *layers.ARP
	ip4   *layers.IPv4
	ip6   *layers.IPv6
	icmp4 *layers.ICMPv4
	icmp6 *layers.ICMPv6
	echo6 *layers.ICMPv6Echo
	ns    *layers.ICMPv6NeighborSolicitation
	na    *layers.ICMPv6NeighborAdvertisement

	src, dst netip.Addr
}

func decodeFrame(data []byte) (*frame, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil, errNotEthernet
	}
	f := &frame{eth: eth}
	if q, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		f.vlan = network.VlanID(q.VLANIdentifier)
	}
	f.arp, _ = pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if f.ip4, _ = pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); f.ip4 != nil {
		f.src, _ = netipx.FromStdIP(f.ip4.SrcIP)
		f.dst, _ = netipx.FromStdIP(f.ip4.DstIP)
		f.icmp4, _ = pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	}
	if f.ip6, _ = pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); f.ip6 != nil {
		f.src, _ = netip.AddrFromSlice(f.ip6.SrcIP)
		f.dst, _ = netip.AddrFromSlice(f.ip6.DstIP)
		f.icmp6, _ = pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		f.echo6, _ = pkt.Layer(layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo)
		f.ns, _ = pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation).(*layers.ICMPv6NeighborSolicitation)
		f.na, _ = pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement).(*layers.ICMPv6NeighborAdvertisement)
	}
	return f, nil
}

func (f *frame) ethDst() network.MAC { return network.MACFrom(f.eth.DstMAC) }
func (f *frame) ethSrc() network.MAC { return network.MACFrom(f.eth.SrcMAC) }

// isNeighbour reports whether f is ARP or an NDP solicitation/advertisement.
func (f *frame) isNeighbour() bool {
	return f.arp != nil || f.ns != nil || f.na != nil
}

// rewriteMACs returns a copy of data with new ethernet addresses.
func rewriteMACs(data []byte, src, dst network.MAC) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	copy(out[0:6], dst[:])
	copy(out[6:12], src[:])
	return out
}

// serialize encodes ls behind an ethernet header, tagged when vlan is set.
func serialize(src, dst network.MAC, etherType layers.EthernetType, vlan network.VlanID, ls ...gopacket.SerializableLayer) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src.HardwareAddr(),
		DstMAC:       dst.HardwareAddr(),
		EthernetType: etherType,
	}
	all := []gopacket.SerializableLayer{eth}
	if vlan != network.VlanNone {
		eth.EthernetType = layers.EthernetTypeDot1Q
		all = append(all, &layers.Dot1Q{VLANIdentifier: uint16(vlan), Type: etherType})
	}
	all = append(all, ls...)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, all...); err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	return buf.Bytes(), nil
}

// ─── ARP ─────────────────────────────────────────────────────────────────────

const (
	arpRequest = layers.ARPRequest
	arpReply   = layers.ARPReply
)

func arpFrame(op uint16, srcMAC network.MAC, srcIP netip.Addr, dstMAC network.MAC, dstIP netip.Addr, vlan network.VlanID) ([]byte, error) {
	ethDst := dstMAC
	if op == arpRequest {
		ethDst = network.BroadcastMAC
		dstMAC = network.ZeroMAC
	}
	src4, dst4 := srcIP.As4(), dstIP.As4()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC.HardwareAddr(),
		SourceProtAddress: src4[:],
		DstHwAddress:      dstMAC.HardwareAddr(),
		DstProtAddress:    dst4[:],
	}
	return serialize(srcMAC, ethDst, layers.EthernetTypeARP, vlan, arp)
}

// ─── NDP ─────────────────────────────────────────────────────────────────────

func solicitedNode(ip netip.Addr) (netip.Addr, network.MAC) {
	b := ip.As16()
	group := netip.AddrFrom16([16]byte{0xff, 0x02, 10: 0, 11: 0x01, 12: 0xff, 13: b[13], 14: b[14], 15: b[15]})
	return group, network.MAC{0x33, 0x33, 0xff, b[13], b[14], b[15]}
}

func neighborSolicitation(srcMAC network.MAC, srcIP, target netip.Addr, vlan network.VlanID) ([]byte, error) {
	group, groupMAC := solicitedNode(target)
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      net.IP(srcIP.AsSlice()),
		DstIP:      net.IP(group.AsSlice()),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, err
	}
	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: net.IP(target.AsSlice()),
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptSourceAddress, Data: srcMAC.HardwareAddr()},
		},
	}
	return serialize(srcMAC, groupMAC, layers.EthernetTypeIPv6, vlan, ip6, icmp, ns)
}

func neighborAdvertisement(srcMAC network.MAC, target netip.Addr, dstMAC network.MAC, dstIP netip.Addr, vlan network.VlanID) ([]byte, error) {
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      net.IP(target.AsSlice()),
		DstIP:      net.IP(dstIP.AsSlice()),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, err
	}
	na := &layers.ICMPv6NeighborAdvertisement{
		// Router, solicited and override flags.
		Flags:         0xe0,
		TargetAddress: net.IP(target.AsSlice()),
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptTargetAddress, Data: srcMAC.HardwareAddr()},
		},
	}
	return serialize(srcMAC, dstMAC, layers.EthernetTypeIPv6, vlan, ip6, icmp, na)
}

// ─── ICMP echo ───────────────────────────────────────────────────────────────

// echoReply answers an echo request in f from the gateway. It returns nil
// when f is not an echo request.
func echoReply(f *frame, gw network.MAC) ([]byte, error) {
	switch {
	case f.icmp4 != nil && f.icmp4.TypeCode.Type() == layers.ICMPv4TypeEchoRequest:
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    f.ip4.DstIP,
			DstIP:    f.ip4.SrcIP,
		}
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
			Id:       f.icmp4.Id,
			Seq:      f.icmp4.Seq,
		}
		return serialize(gw, f.ethSrc(), layers.EthernetTypeIPv4, f.vlan, ip, icmp, gopacket.Payload(f.icmp4.Payload))

	case f.echo6 != nil && f.icmp6.TypeCode.Type() == layers.ICMPv6TypeEchoRequest:
		ip := &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolICMPv6,
			HopLimit:   64,
			SrcIP:      f.ip6.DstIP,
			DstIP:      f.ip6.SrcIP,
		}
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0)}
		if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		echo := &layers.ICMPv6Echo{Identifier: f.echo6.Identifier, SeqNumber: f.echo6.SeqNumber}
		// The echo layer does not keep its data; it follows id and seq in the
		// ICMPv6 payload.
		var data []byte
		if len(f.icmp6.Payload) > 4 {
			data = f.icmp6.Payload[4:]
		}
		return serialize(gw, f.ethSrc(), layers.EthernetTypeIPv6, f.vlan, ip, icmp, echo, gopacket.Payload(data))
	}
	return nil, nil
}
