// Package config loads the fabric configuration file. The file is YAML (JSON
// is accepted as well). Entries that cannot be used are skipped and reported
// as warnings; only a file that cannot be parsed at all is an error.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/ipam"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

// DefaultAppID owns the intents and intercept rules installed by the engine.
const DefaultAppID = "org.microfabric.fabric"

// File mirrors the on-disk configuration.
type File struct {
	AppID             string           `yaml:"appId"`
	L2Networks        []L2NetworkEntry `yaml:"l2Networks"`
	IP4Subnets        []SubnetEntry    `yaml:"ip4Subnets"`
	IP6Subnets        []SubnetEntry    `yaml:"ip6Subnets"`
	Routes            []RouteEntry     `yaml:"routes"`
	BorderInterfaces  []string         `yaml:"borderInterfaces"`
	VirtualGatewayMAC string           `yaml:"virtualGatewayMacAddress"`
	Inventory         InventoryEntry   `yaml:"inventory"`
	Engine            EngineEntry      `yaml:"engine"`
}

type L2NetworkEntry struct {
	Name          string   `yaml:"name"`
	Interfaces    []string `yaml:"interfaces"`
	Encapsulation string   `yaml:"encapsulation"`
	L2Forward     *bool    `yaml:"l2Forward"`
}

type SubnetEntry struct {
	Prefix        string `yaml:"prefix"`
	GatewayIP     string `yaml:"gatewayIp"`
	L2NetworkName string `yaml:"l2NetworkName"`
}

type RouteEntry struct {
	Prefix    string `yaml:"prefix"`
	GatewayIP string `yaml:"gatewayIp"`
}

// InventoryEntry describes a static fabric for the in-memory driver.
type InventoryEntry struct {
	Devices    []string         `yaml:"devices"`
	Interfaces []InterfaceEntry `yaml:"interfaces"`
	Hosts      []HostEntry      `yaml:"hosts"`
}

type InterfaceEntry struct {
	Name         string   `yaml:"name"`
	ConnectPoint string   `yaml:"connectPoint"`
	VLAN         uint16   `yaml:"vlan"`
	MAC          string   `yaml:"mac"`
	IPs          []string `yaml:"ips"`
}

type HostEntry struct {
	MAC      string   `yaml:"mac"`
	VLAN     uint16   `yaml:"vlan"`
	IPs      []string `yaml:"ips"`
	Location string   `yaml:"location"`
}

// EngineEntry holds daemon settings.
type EngineEntry struct {
	IdleInterval   string `yaml:"idleInterval"`
	ResolveHoldoff string `yaml:"resolveHoldoff"`
	StatePath      string `yaml:"statePath"`
	Listen         string `yaml:"listen"`
	ControllerURL  string `yaml:"controllerURL"`
}

// Fabric is the validated configuration.
type Fabric struct {
	AppID             string
	L2Networks        []topology.Spec
	Subnets           []network.Subnet
	Routes            []network.Route
	BorderInterfaces  []string
	VirtualGatewayMAC network.MAC
	Inventory         Inventory
	Engine            Engine
}

// Inventory is the validated static fabric.
type Inventory struct {
	Devices    []network.DeviceID
	Interfaces []network.Interface
	Hosts      []network.Host
}

// Engine is the validated daemon settings.
type Engine struct {
	IdleInterval   time.Duration
	ResolveHoldoff time.Duration
	StatePath      string
	Listen         string
	ControllerURL  string
}

// Defaults returns the engine settings used when the file leaves them out.
func Defaults() Engine {
	return Engine{
		IdleInterval:   5 * time.Second,
		ResolveHoldoff: 2 * time.Second,
		Listen:         ":8181",
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Fabric, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw configuration bytes.
func Parse(data []byte) (*Fabric, []string, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}
	v := &validator{}
	return v.fabric(&f), v.warnings, nil
}

type validator struct {
	warnings []string
}

func (v *validator) warnf(format string, args ...interface{}) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) fabric(f *File) *Fabric {
	out := &Fabric{
		AppID:  f.AppID,
		Engine: v.engine(f.Engine),
	}
	if out.AppID == "" {
		out.AppID = DefaultAppID
	}

	encaps := make(map[string]network.Encapsulation)
	seen := make(map[string]bool)
	for i, e := range f.L2Networks {
		if e.Name == "" {
			v.warnf("l2Networks[%d]: missing name; skipped", i)
			continue
		}
		if seen[e.Name] {
			v.warnf("l2Networks[%d]: duplicate name %q; skipped", i, e.Name)
			continue
		}
		enc, err := network.ParseEncapsulation(e.Encapsulation)
		if err != nil {
			v.warnf("l2Networks[%d] %s: %v; using NONE", i, e.Name, err)
			enc = network.EncapNone
		}
		l2Forward := true
		if e.L2Forward != nil {
			l2Forward = *e.L2Forward
		}
		seen[e.Name] = true
		encaps[e.Name] = enc
		out.L2Networks = append(out.L2Networks, topology.Spec{
			Name:           e.Name,
			InterfaceNames: dedupe(e.Interfaces),
			Encapsulation:  enc,
			L2Forward:      l2Forward,
		})
	}

	subnets := ipam.NewSubnetIndex()
	add := func(section string, entries []SubnetEntry, v6 bool) {
		for i, e := range entries {
			s, ok := v.subnet(section, i, e, v6)
			if !ok {
				continue
			}
			if _, known := encaps[s.L2Network]; s.L2Network != "" && !known {
				v.warnf("%s[%d]: unknown l2NetworkName %q", section, i, s.L2Network)
			}
			s.Encapsulation = encaps[s.L2Network]
			if s.Encapsulation == "" {
				s.Encapsulation = network.EncapNone
			}
			if prev, replaced := subnets.InsertSubnet(s); replaced {
				v.warnf("%s[%d]: duplicate prefix %s replaces entry for %q", section, i, s.Prefix, prev.L2Network)
			}
		}
	}
	add("ip4Subnets", f.IP4Subnets, false)
	add("ip6Subnets", f.IP6Subnets, true)
	out.Subnets = subnets.List()

	routes := ipam.NewRouteIndex()
	for i, e := range f.Routes {
		p, err := netip.ParsePrefix(strings.TrimSpace(e.Prefix))
		if err != nil {
			v.warnf("routes[%d]: bad prefix %q; skipped", i, e.Prefix)
			continue
		}
		nh, err := netip.ParseAddr(strings.TrimSpace(e.GatewayIP))
		if err != nil {
			v.warnf("routes[%d]: bad gatewayIp %q; skipped", i, e.GatewayIP)
			continue
		}
		if nh.Is4() != p.Addr().Is4() {
			v.warnf("routes[%d]: gatewayIp %s does not match family of %s; skipped", i, nh, p)
			continue
		}
		if prev, replaced := routes.InsertRoute(network.Route{Source: network.RouteStatic, Prefix: p.Masked(), NextHop: nh}); replaced {
			v.warnf("routes[%d]: duplicate prefix %s replaces next hop %s", i, p, prev.NextHop)
		}
	}
	out.Routes = routes.List()

	out.BorderInterfaces = dedupe(f.BorderInterfaces)

	if f.VirtualGatewayMAC != "" {
		mac, err := network.ParseMAC(f.VirtualGatewayMAC)
		switch {
		case err != nil:
			v.warnf("virtualGatewayMacAddress %q: %v", f.VirtualGatewayMAC, err)
		case mac.IsMulticast():
			v.warnf("virtualGatewayMacAddress %s is not unicast", mac)
		default:
			out.VirtualGatewayMAC = mac
		}
	}

	out.Inventory = v.inventory(f.Inventory)
	return out
}

func (v *validator) subnet(section string, i int, e SubnetEntry, v6 bool) (network.Subnet, bool) {
	p, err := netip.ParsePrefix(strings.TrimSpace(e.Prefix))
	if err != nil {
		v.warnf("%s[%d]: bad prefix %q; skipped", section, i, e.Prefix)
		return network.Subnet{}, false
	}
	if p.Addr().Is6() != v6 {
		v.warnf("%s[%d]: %s is the wrong address family; skipped", section, i, p)
		return network.Subnet{}, false
	}
	p = p.Masked()

	var gw netip.Addr
	if e.GatewayIP == "" {
		gw, err = ipam.DefaultGateway(p)
		if err != nil {
			v.warnf("%s[%d]: no gateway for %s: %v; skipped", section, i, p, err)
			return network.Subnet{}, false
		}
	} else {
		gw, err = netip.ParseAddr(strings.TrimSpace(e.GatewayIP))
		if err != nil || !p.Contains(gw) {
			v.warnf("%s[%d]: gatewayIp %q is not inside %s; skipped", section, i, e.GatewayIP, p)
			return network.Subnet{}, false
		}
	}
	return network.Subnet{Prefix: p, Gateway: gw, L2Network: e.L2NetworkName}, true
}

func (v *validator) inventory(e InventoryEntry) Inventory {
	var inv Inventory
	for _, d := range dedupe(e.Devices) {
		inv.Devices = append(inv.Devices, network.DeviceID(d))
	}

	names := make(map[string]bool)
	for i, ie := range e.Interfaces {
		if ie.Name == "" || names[ie.Name] {
			v.warnf("inventory.interfaces[%d]: missing or duplicate name %q; skipped", i, ie.Name)
			continue
		}
		cp, err := network.ParseConnectPoint(ie.ConnectPoint)
		if err != nil {
			v.warnf("inventory.interfaces[%d] %s: %v; skipped", i, ie.Name, err)
			continue
		}
		iface := network.Interface{Name: ie.Name, ConnectPoint: cp, VLAN: network.VlanID(ie.VLAN)}
		if ie.MAC != "" {
			if iface.MAC, err = network.ParseMAC(ie.MAC); err != nil {
				v.warnf("inventory.interfaces[%d] %s: bad mac %q", i, ie.Name, ie.MAC)
			}
		}
		for _, s := range ie.IPs {
			p, err := netip.ParsePrefix(strings.TrimSpace(s))
			if err != nil {
				v.warnf("inventory.interfaces[%d] %s: bad ip %q", i, ie.Name, s)
				continue
			}
			iface.IPs = append(iface.IPs, p)
		}
		names[ie.Name] = true
		inv.Interfaces = append(inv.Interfaces, iface)
	}

	for i, he := range e.Hosts {
		mac, err := network.ParseMAC(he.MAC)
		if err != nil {
			v.warnf("inventory.hosts[%d]: bad mac %q; skipped", i, he.MAC)
			continue
		}
		loc, err := network.ParseConnectPoint(he.Location)
		if err != nil {
			v.warnf("inventory.hosts[%d] %s: %v; skipped", i, mac, err)
			continue
		}
		h := network.Host{
			ID:       fmt.Sprintf("%s/%d", mac, he.VLAN),
			MAC:      mac,
			VLAN:     network.VlanID(he.VLAN),
			Location: loc,
		}
		for _, s := range he.IPs {
			a, err := netip.ParseAddr(strings.TrimSpace(s))
			if err != nil {
				v.warnf("inventory.hosts[%d] %s: bad ip %q", i, mac, s)
				continue
			}
			h.IPs = append(h.IPs, a)
		}
		inv.Hosts = append(inv.Hosts, h)
	}
	return inv
}

func (v *validator) engine(e EngineEntry) Engine {
	out := Defaults()
	if d, ok := v.duration("engine.idleInterval", e.IdleInterval); ok {
		out.IdleInterval = d
	}
	if d, ok := v.duration("engine.resolveHoldoff", e.ResolveHoldoff); ok {
		out.ResolveHoldoff = d
	}
	if e.Listen != "" {
		out.Listen = e.Listen
	}
	out.StatePath = e.StatePath
	out.ControllerURL = strings.TrimRight(e.ControllerURL, "/")
	return out
}

func (v *validator) duration(field, s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		v.warnf("%s: bad duration %q; using default", field, s)
		return 0, false
	}
	return d, true
}

func dedupe(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
