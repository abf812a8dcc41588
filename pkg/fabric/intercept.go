package fabric

import (
	"sort"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/ipam"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

// interceptInput is everything the punt rules depend on.
type interceptInput struct {
	app      string
	gateway  network.MAC
	devices  []network.DeviceID
	subnets  []network.Subnet
	networks []topology.L2Network
	routes   []network.Route
}

// buildIntercepts returns the punt and directed broadcast rules every
// available device needs so first packets reach the classifier.
func buildIntercepts(in interceptInput) []network.FlowRule {
	byName := make(map[string]topology.L2Network, len(in.networks))
	for _, n := range in.networks {
		if !n.State.Terminal() {
			byName[n.Name] = n
		}
	}

	var out []network.FlowRule
	for _, dev := range in.devices {
		for _, s := range in.subnets {
			out = append(out, network.FlowRule{
				Device:    dev,
				Priority:  reactivePriority(s.Prefix.Bits(), priIntercept),
				Selector:  prefixSelector(in.gateway, s.Prefix),
				Treatment: network.Treatment{Punt: true},
				App:       in.app,
			})

			n, ok := byName[s.L2Network]
			if !ok || !n.ContainsDevice(dev) || !s.Prefix.Addr().Is4() || s.Prefix.Bits() >= 31 {
				continue
			}
			bcast := ipam.BroadcastAddr(s.Prefix)
			out = append(out, network.FlowRule{
				Device:   dev,
				Priority: reactivePriority(32, priIntercept),
				Selector: network.Selector{
					EthDst:  network.BroadcastMAC,
					EthType: network.EthTypeIPv4,
					IPDst:   hostPrefix(bcast),
				},
				Treatment: network.Treatment{Flood: true},
				App:       in.app,
			})
		}

		for _, r := range in.routes {
			out = append(out, network.FlowRule{
				Device:    dev,
				Priority:  reactivePriority(r.Prefix.Bits(), priIntercept),
				Selector:  prefixSelector(in.gateway, r.Prefix),
				Treatment: network.Treatment{Punt: true},
				App:       in.app,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// diffRules splits want against have into rules to remove and to apply.
func diffRules(have map[network.FlowRule]bool, want []network.FlowRule) (remove, apply []network.FlowRule) {
	wantSet := make(map[network.FlowRule]bool, len(want))
	for _, r := range want {
		if wantSet[r] {
			continue
		}
		wantSet[r] = true
		if !have[r] {
			apply = append(apply, r)
		}
	}
	for r := range have {
		if !wantSet[r] {
			remove = append(remove, r)
		}
	}
	sort.Slice(remove, func(i, j int) bool { return remove[i].String() < remove[j].String() })
	return remove, apply
}
