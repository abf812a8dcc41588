package fabric

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glennswest/microfabric/pkg/network"
)

func TestARPRequestIsBroadcast(t *testing.T) {
	data, err := arpFrame(arpRequest, mac(vgwMAC), addr("10.0.0.1"), mac(macB), addr("10.0.0.3"), 42)
	require.NoError(t, err)

	f := decode(t, data)
	require.NotNil(t, f.arp)
	assert.True(t, f.isNeighbour())
	assert.Equal(t, network.BroadcastMAC, f.ethDst())
	assert.Equal(t, network.VlanID(42), f.vlan)
	assert.Equal(t, network.ZeroMAC, network.MACFrom(f.arp.DstHwAddress))
	assert.Equal(t, []byte{10, 0, 0, 3}, []byte(f.arp.DstProtAddress))
}

func TestARPReplyIsUnicast(t *testing.T) {
	data, err := arpFrame(arpReply, mac(vgwMAC), addr("10.0.0.1"), mac(macA), addr("10.0.0.2"), network.VlanNone)
	require.NoError(t, err)

	f := decode(t, data)
	require.NotNil(t, f.arp)
	assert.EqualValues(t, layers.ARPReply, f.arp.Operation)
	assert.Equal(t, mac(macA), f.ethDst())
	assert.Equal(t, network.VlanNone, f.vlan)
}

func TestSolicitedNode(t *testing.T) {
	group, gmac := solicitedNode(addr("fd00::1:2:3"))
	assert.Equal(t, addr("ff02::1:ff02:3"), group)
	assert.Equal(t, mac("33:33:ff:02:00:03"), gmac)
}

func TestNeighborSolicitation(t *testing.T) {
	data, err := neighborSolicitation(mac(vgwMAC), addr("fd00::1"), addr("fd00::9"), network.VlanNone)
	require.NoError(t, err)

	f := decode(t, data)
	require.NotNil(t, f.ns)
	assert.True(t, f.isNeighbour())
	assert.Equal(t, addr("ff02::1:ff00:9"), f.dst)
	target, _ := netip.AddrFromSlice(f.ns.TargetAddress)
	assert.Equal(t, addr("fd00::9"), target)
	assert.Equal(t, mac("33:33:ff:00:00:09"), f.ethDst())
}

func TestRewriteMACs(t *testing.T) {
	data := echoRequest(t, mac(macA), mac(vgwMAC), addr("10.0.0.2"), addr("192.0.2.7"))
	out := rewriteMACs(data, mac(vgwMAC), mac(macN))

	f := decode(t, out)
	assert.Equal(t, mac(macN), f.ethDst())
	assert.Equal(t, mac(vgwMAC), f.ethSrc())
	assert.Equal(t, addr("192.0.2.7"), f.dst)
	// The input is left untouched.
	assert.Equal(t, mac(vgwMAC), decode(t, data).ethDst())
}

func TestEchoReply(t *testing.T) {
	req := decode(t, echoRequest(t, mac(macA), mac(vgwMAC), addr("10.0.0.2"), addr("10.0.0.1")))
	data, err := echoReply(req, mac(vgwMAC))
	require.NoError(t, err)

	f := decode(t, data)
	require.NotNil(t, f.icmp4)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoReply), f.icmp4.TypeCode.Type())
	assert.Equal(t, uint16(7), f.icmp4.Id)
	assert.Equal(t, []byte("ping"), f.icmp4.Payload)
	assert.Equal(t, addr("10.0.0.1"), f.src)
	assert.Equal(t, mac(macA), f.ethDst())

	// Anything but an echo request gets no answer.
	data, err = echoReply(f, mac(vgwMAC))
	require.NoError(t, err)
	assert.Nil(t, data)
}
