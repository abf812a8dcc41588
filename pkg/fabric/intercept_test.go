package fabric

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

func TestInterceptRules(t *testing.T) {
	h := newHarness(t, fabricYAML)

	rules := h.mem.FlowRules()
	require.Len(t, rules, 5)
	assert.ElementsMatch(t, rules, h.m.Intercepts())

	byDevice := map[network.DeviceID][]network.FlowRule{}
	for _, r := range rules {
		assert.Equal(t, h.cfg.AppID, r.App)
		byDevice[r.Device] = append(byDevice[r.Device], r)
	}
	// The border leaf carries no member of net1, so no directed broadcast.
	assert.Len(t, byDevice["of:1"], 3)
	assert.Len(t, byDevice["of:2"], 2)

	subnet := network.FlowRule{
		Device:   "of:1",
		Priority: reactivePriority(24, priIntercept),
		Selector: network.Selector{
			EthDst:  mac(vgwMAC),
			EthType: network.EthTypeIPv4,
			IPDst:   netip.MustParsePrefix("10.0.0.0/24"),
		},
		Treatment: network.Treatment{Punt: true},
		App:       h.cfg.AppID,
	}
	bcast := network.FlowRule{
		Device:   "of:1",
		Priority: reactivePriority(32, priIntercept),
		Selector: network.Selector{
			EthDst:  network.BroadcastMAC,
			EthType: network.EthTypeIPv4,
			IPDst:   netip.MustParsePrefix("10.0.0.255/32"),
		},
		Treatment: network.Treatment{Flood: true},
		App:       h.cfg.AppID,
	}
	route := network.FlowRule{
		Device:    "of:2",
		Priority:  reactivePriority(0, priIntercept),
		Selector:  network.Selector{EthDst: mac(vgwMAC), EthType: network.EthTypeIPv4},
		Treatment: network.Treatment{Punt: true},
		App:       h.cfg.AppID,
	}
	assert.Contains(t, rules, subnet)
	assert.Contains(t, rules, bcast)
	assert.Contains(t, rules, route)

	// A device going away takes its rules with it.
	h.mem.RemoveDevice("of:2")
	h.refresh()
	assert.Len(t, h.mem.FlowRules(), 3)
	assert.NotContains(t, h.mem.FlowRules(), route)
}

func TestDiffRules(t *testing.T) {
	a := network.FlowRule{Device: "of:1", Priority: 1}
	b := network.FlowRule{Device: "of:1", Priority: 2}
	c := network.FlowRule{Device: "of:1", Priority: 3}

	have := map[network.FlowRule]bool{a: true, b: true}
	remove, apply := diffRules(have, []network.FlowRule{b, c, c})
	assert.Equal(t, []network.FlowRule{a}, remove)
	assert.Equal(t, []network.FlowRule{c}, apply)

	remove, apply = diffRules(map[network.FlowRule]bool{b: true, c: true}, []network.FlowRule{c, b})
	assert.Empty(t, remove)
	assert.Empty(t, apply)
}

func TestInterceptsSkipPointToPointSubnets(t *testing.T) {
	rules := buildIntercepts(interceptInput{
		app:     "test",
		gateway: mac(vgwMAC),
		devices: []network.DeviceID{"of:1"},
		subnets: []network.Subnet{
			{Prefix: netip.MustParsePrefix("10.9.0.0/31"), Gateway: addr("10.9.0.0"), L2Network: "p2p"},
			{Prefix: netip.MustParsePrefix("fd00::/64"), Gateway: addr("fd00::1"), L2Network: "p2p"},
		},
		networks: []topology.L2Network{{
			Spec:       topology.Spec{Name: "p2p"},
			Interfaces: []network.Interface{{Name: "p1", ConnectPoint: point("of:1/1")}},
			State:      topology.StateAdded,
		}},
	})
	for _, r := range rules {
		assert.True(t, r.Treatment.Punt, "unexpected rule %s", r)
	}
	assert.Len(t, rules, 2)
}
