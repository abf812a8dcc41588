package fabric

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glennswest/microfabric/pkg/config"
	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/driver"
	"github.com/glennswest/microfabric/pkg/network/intent"
)

const (
	vgwMAC = "02:00:00:00:00:01"
	macA   = "00:00:00:00:00:0a"
	macB   = "00:00:00:00:00:0b"
	macC   = "00:00:00:00:00:0c"
	macN   = "00:00:00:00:00:99"
	macB1  = "02:00:00:00:02:01"
)

// One leaf with three access ports in net1 and a border leaf facing the
// upstream router at 203.0.113.1, which is not learned yet.
const fabricYAML = `
virtualGatewayMacAddress: "02:00:00:00:00:01"
l2Networks:
  - name: net1
    interfaces: [p1, p2, p3]
ip4Subnets:
  - prefix: 10.0.0.0/24
    gatewayIp: 10.0.0.1
    l2NetworkName: net1
routes:
  - prefix: 0.0.0.0/0
    gatewayIp: 203.0.113.1
borderInterfaces: [b1]
inventory:
  devices: ["of:1", "of:2"]
  interfaces:
    - name: p1
      connectPoint: "of:1/1"
    - name: p2
      connectPoint: "of:1/2"
    - name: p3
      connectPoint: "of:1/3"
    - name: b1
      connectPoint: "of:2/1"
      mac: "02:00:00:00:02:01"
      ips: [203.0.113.2/30]
  hosts:
    - mac: "00:00:00:00:00:0a"
      ips: [10.0.0.2]
      location: "of:1/1"
    - mac: "00:00:00:00:00:0b"
      ips: [10.0.0.3]
      location: "of:1/2"
`

// countingIntents records the submit and withdraw calls reaching the
// installer.
type countingIntents struct {
	*driver.Memory

	mu        sync.Mutex
	submitted []intent.Key
	withdrawn []intent.Key
}

func (c *countingIntents) Submit(rec intent.Record, done func(error)) {
	c.mu.Lock()
	c.submitted = append(c.submitted, rec.Key)
	c.mu.Unlock()
	c.Memory.Submit(rec, done)
}

func (c *countingIntents) Withdraw(key intent.Key) {
	c.mu.Lock()
	c.withdrawn = append(c.withdrawn, key)
	c.mu.Unlock()
	c.Memory.Withdraw(key)
}

// reset returns and clears the recorded calls.
func (c *countingIntents) reset() (submitted, withdrawn []intent.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	submitted, withdrawn = c.submitted, c.withdrawn
	c.submitted, c.withdrawn = nil, nil
	return submitted, withdrawn
}

type harness struct {
	t       *testing.T
	cfg     *config.Fabric
	mem     *driver.Memory
	routes  *driver.RouteTable
	intents *countingIntents
	m       *Manager
}

func newHarness(t *testing.T, doc string) *harness {
	t.Helper()
	return newHarnessWithRegistry(t, doc, nil)
}

func newHarnessWithRegistry(t *testing.T, doc string, reg prometheus.Registerer) *harness {
	t.Helper()

	cfg, warnings, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	require.Empty(t, warnings)

	log := zap.NewNop().Sugar()
	mem := driver.NewMemoryFromInventory(cfg.Inventory, log)
	routes := driver.NewRouteTable(log, cfg.Routes...)
	counting := &countingIntents{Memory: mem}

	m, err := NewManager(cfg, Deps{
		Intents:    counting,
		Flows:      mem,
		Packets:    mem,
		Interfaces: mem,
		Hosts:      mem,
		Devices:    mem,
		Routes:     routes,
	}, reg, log)
	require.NoError(t, err)
	t.Cleanup(m.queue.ShutDown)

	mem.Listen(m)
	routes.Listen(m)

	h := &harness{t: t, cfg: cfg, mem: mem, routes: routes, intents: counting, m: m}
	h.refresh()
	return h
}

// refresh runs a refresh pass and lets the installer catch up.
func (h *harness) refresh() {
	h.m.RefreshNow(context.Background())
	h.mem.Flush()
}

func (h *harness) installed(key string) intent.Record {
	h.t.Helper()
	rec, ok := h.m.reconciler.Installed(intent.Key(key))
	require.True(h.t, ok, "intent %s not installed", key)
	return rec
}

func (h *harness) notInstalled(key string) {
	h.t.Helper()
	_, ok := h.m.reconciler.Installed(intent.Key(key))
	require.False(h.t, ok, "intent %s installed", key)
}

// learnBorderPeer makes the upstream router known to the host directory.
func (h *harness) learnBorderPeer() {
	h.mem.PutHost(network.Host{MAC: mac(macN), IPs: []netip.Addr{addr("203.0.113.1")}, Location: point("of:2/1")})
}

// send punts an ICMP echo request received at cp to the classifier.
func (h *harness) send(cp, srcMAC, dstMAC, src, dst string) Verdict {
	h.t.Helper()
	data := echoRequest(h.t, mac(srcMAC), mac(dstMAC), addr(src), addr(dst))
	return h.m.classifier.Process(network.InboundPacket{ReceivedFrom: point(cp), Data: data}, decode(h.t, data))
}

func echoRequest(t *testing.T, srcMAC, dstMAC network.MAC, src, dst netip.Addr) []byte {
	t.Helper()
	if src.Is4() {
		data, err := serialize(srcMAC, dstMAC, layers.EthernetTypeIPv4, network.VlanNone,
			&layers.IPv4{
				Version:  4,
				TTL:      64,
				Protocol: layers.IPProtocolICMPv4,
				SrcIP:    src.AsSlice(),
				DstIP:    dst.AsSlice(),
			},
			&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 7, Seq: 1},
			gopacket.Payload("ping"),
		)
		require.NoError(t, err)
		return data
	}

	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   64,
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	data, err := serialize(srcMAC, dstMAC, layers.EthernetTypeIPv6, network.VlanNone,
		ip, icmp, &layers.ICMPv6Echo{Identifier: 7, SeqNumber: 1}, gopacket.Payload("ping"))
	require.NoError(t, err)
	return data
}

func decode(t *testing.T, data []byte) *frame {
	t.Helper()
	f, err := decodeFrame(data)
	require.NoError(t, err)
	return f
}

func mac(s string) network.MAC {
	m, err := network.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func point(s string) network.ConnectPoint {
	cp, err := network.ParseConnectPoint(s)
	if err != nil {
		panic(err)
	}
	return cp
}

func fp(s string) intent.FilteredPoint { return intent.Point(point(s)) }

func outputs(pkts []network.OutboundPacket) []network.ConnectPoint {
	out := make([]network.ConnectPoint, len(pkts))
	for i, p := range pkts {
		out[i] = p.Output
	}
	return out
}
