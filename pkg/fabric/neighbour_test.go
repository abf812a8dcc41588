package fabric

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glennswest/microfabric/pkg/network"
)

func (h *harness) neighbour(cp string, data []byte) Action {
	h.t.Helper()
	return h.m.neighbours.Process(network.InboundPacket{ReceivedFrom: point(cp), Data: data}, decode(h.t, data))
}

func arpFor(t *testing.T, op uint16, srcMAC string, srcIP string, dstMAC string, dstIP string) []byte {
	t.Helper()
	data, err := arpFrame(op, mac(srcMAC), addr(srcIP), mac(dstMAC), addr(dstIP), network.VlanNone)
	require.NoError(t, err)
	return data
}

func TestNeighbourAnswersForGateway(t *testing.T) {
	h := newHarness(t, fabricYAML)
	h.mem.TakeEmitted()

	req := arpFor(t, arpRequest, macA, "10.0.0.2", "00:00:00:00:00:00", "10.0.0.1")
	require.Equal(t, ActionGatewayReply, h.neighbour("of:1/1", req))

	out := h.mem.TakeEmitted()
	require.Len(t, out, 1)
	assert.Equal(t, point("of:1/1"), out[0].Output)
	f := decode(t, out[0].Data)
	require.NotNil(t, f.arp)
	assert.EqualValues(t, layers.ARPReply, f.arp.Operation)
	assert.Equal(t, mac(vgwMAC), network.MACFrom(f.arp.SourceHwAddress))
	assert.Equal(t, []byte{10, 0, 0, 1}, []byte(f.arp.SourceProtAddress))
	assert.Equal(t, mac(macA), network.MACFrom(f.arp.DstHwAddress))
	assert.Equal(t, mac(macA), f.ethDst())
}

func TestNeighbourAnswersForIPv6Gateway(t *testing.T) {
	h := newHarness(t, fabricYAML+`
ip6Subnets:
  - prefix: fd00::/64
    gatewayIp: fd00::1
    l2NetworkName: net1
`)
	h.mem.TakeEmitted()

	ns, err := neighborSolicitation(mac(macA), addr("fd00::2"), addr("fd00::1"), network.VlanNone)
	require.NoError(t, err)
	require.Equal(t, ActionGatewayReply, h.neighbour("of:1/1", ns))

	out := h.mem.TakeEmitted()
	require.Len(t, out, 1)
	f := decode(t, out[0].Data)
	require.NotNil(t, f.na)
	target, _ := netip.AddrFromSlice(f.na.TargetAddress)
	assert.Equal(t, addr("fd00::1"), target)
	assert.Equal(t, addr("fd00::2"), f.dst)
	assert.Equal(t, mac(macA), f.ethDst())
	require.Len(t, f.na.Options, 1)
	assert.Equal(t, mac(vgwMAC), network.MACFrom(f.na.Options[0].Data))
}

func TestNeighbourFloodsRequests(t *testing.T) {
	h := newHarness(t, fabricYAML)
	h.mem.TakeEmitted()

	req := arpFor(t, arpRequest, macA, "10.0.0.2", "00:00:00:00:00:00", "10.0.0.3")
	require.Equal(t, ActionFlood, h.neighbour("of:1/1", req))

	out := h.mem.TakeEmitted()
	assert.ElementsMatch(t, []network.ConnectPoint{point("of:1/2"), point("of:1/3")}, outputs(out))
	for _, pkt := range out {
		assert.Equal(t, req, pkt.Data)
	}
}

func TestNeighbourUnicastRequestGoesToHost(t *testing.T) {
	h := newHarness(t, fabricYAML)
	h.mem.TakeEmitted()

	// A refresh probe addressed straight to B's MAC.
	data, err := serialize(mac(macA), mac(macB), layers.EthernetTypeARP, network.VlanNone, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   mac(macA).HardwareAddr(),
		SourceProtAddress: []byte{10, 0, 0, 2},
		DstHwAddress:      mac(macB).HardwareAddr(),
		DstProtAddress:    []byte{10, 0, 0, 3},
	})
	require.NoError(t, err)
	require.Equal(t, ActionForward, h.neighbour("of:1/1", data))
	assert.Equal(t, []network.ConnectPoint{point("of:1/2")}, outputs(h.mem.TakeEmitted()))
}

func TestNeighbourRepliesStayInNetwork(t *testing.T) {
	h := newHarness(t, fabricYAML)
	h.mem.TakeEmitted()

	reply := arpFor(t, arpReply, macB, "10.0.0.3", macA, "10.0.0.2")
	require.Equal(t, ActionForward, h.neighbour("of:1/2", reply))
	assert.Equal(t, []network.ConnectPoint{point("of:1/1")}, outputs(h.mem.TakeEmitted()))

	// A host with that MAC outside net1 gets nothing.
	h.mem.PutHost(network.Host{ID: "00:00:00:00:00:0a/0", MAC: mac(macA), Location: point("of:2/1")})
	require.Equal(t, ActionDrop, h.neighbour("of:1/2", reply))
	assert.Empty(t, h.mem.TakeEmitted())

	// Replies to the gateway are consumed.
	toGateway := arpFor(t, arpReply, macB, "10.0.0.3", vgwMAC, "10.0.0.1")
	require.Equal(t, ActionConsumed, h.neighbour("of:1/2", toGateway))
	assert.Empty(t, h.mem.TakeEmitted())
}

func TestNeighbourOutsideNetworkIsDropped(t *testing.T) {
	h := newHarness(t, fabricYAML)
	h.mem.TakeEmitted()

	req := arpFor(t, arpRequest, macN, "203.0.113.1", "00:00:00:00:00:00", "203.0.113.9")
	require.Equal(t, ActionDrop, h.neighbour("of:2/1", req))
	assert.Empty(t, h.mem.TakeEmitted())
}
