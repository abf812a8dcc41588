// Package intent defines connectivity intents and the service that installs
// them into the fabric.
package intent

import (
	"fmt"
	"slices"
	"strings"

	"github.com/glennswest/microfabric/pkg/network"
)

// Key identifies an intent. At most one record per key is installed.
type Key string

// Kind is the purpose of an intent.
type Kind string

const (
	KindBroadcast Kind = "BROADCAST"
	KindUnicast   Kind = "UNICAST"
	KindBorder    Kind = "BORDER"
	KindReactive  Kind = "REACTIVE"
)

// FilteredPoint is an attachment point with an optional VLAN filter.
type FilteredPoint struct {
	network.ConnectPoint `yaml:",inline"`
	VLAN                 network.VlanID `json:"vlan,omitempty" yaml:"vlan,omitempty"`
}

// Point builds an unfiltered point.
func Point(cp network.ConnectPoint) FilteredPoint {
	return FilteredPoint{ConnectPoint: cp}
}

func (p FilteredPoint) String() string {
	if p.VLAN == network.VlanNone {
		return p.ConnectPoint.String()
	}
	return fmt.Sprintf("%s@%d", p.ConnectPoint, p.VLAN)
}

func (p FilteredPoint) less(o FilteredPoint) bool {
	if p.ConnectPoint != o.ConnectPoint {
		return p.ConnectPoint.Less(o.ConnectPoint)
	}
	return p.VLAN < o.VLAN
}

// ConstraintType names a path computation constraint.
type ConstraintType string

const (
	PartialFailure      ConstraintType = "PARTIAL_FAILURE"
	HashedPathSelection ConstraintType = "HASHED_PATH_SELECTION"
	Encapsulation       ConstraintType = "ENCAPSULATION"
)

// Constraint is a single constraint. Encap is only set for Encapsulation.
type Constraint struct {
	Type  ConstraintType        `json:"type" yaml:"type"`
	Encap network.Encapsulation `json:"encapsulation,omitempty" yaml:"encapsulation,omitempty"`
}

// Record is one intent. Records are values: every mutator returns a copy, and
// point and constraint slices are kept sorted so Equal is structural.
type Record struct {
	Key           Key               `json:"key" yaml:"key"`
	Kind          Kind              `json:"kind" yaml:"kind"`
	App           string            `json:"app" yaml:"app"`
	Selector      network.Selector  `json:"selector" yaml:"selector"`
	Treatment     network.Treatment `json:"treatment" yaml:"treatment"`
	Ingress       []FilteredPoint   `json:"ingress" yaml:"ingress"`
	Egress        []FilteredPoint   `json:"egress" yaml:"egress"`
	Constraints   []Constraint      `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Priority      int               `json:"priority" yaml:"priority"`
	ResourceGroup string            `json:"resourceGroup,omitempty" yaml:"resourceGroup,omitempty"`
}

// Canonical returns a copy with sorted, de-duplicated points and constraints.
func (r Record) Canonical() Record {
	r.Ingress = canonicalPoints(slices.Clone(r.Ingress))
	r.Egress = canonicalPoints(slices.Clone(r.Egress))
	r.Constraints = canonicalConstraints(slices.Clone(r.Constraints))
	return r
}

// Equal reports structural equality. Both records must be canonical.
func (r Record) Equal(o Record) bool {
	return r.Key == o.Key &&
		r.Kind == o.Kind &&
		r.App == o.App &&
		r.Selector == o.Selector &&
		r.Treatment == o.Treatment &&
		r.Priority == o.Priority &&
		r.ResourceGroup == o.ResourceGroup &&
		slices.Equal(r.Ingress, o.Ingress) &&
		slices.Equal(r.Egress, o.Egress) &&
		slices.Equal(r.Constraints, o.Constraints)
}

// HasIngress reports whether cp is an ingress point, ignoring VLAN.
func (r Record) HasIngress(cp network.ConnectPoint) bool {
	return slices.ContainsFunc(r.Ingress, func(p FilteredPoint) bool { return p.ConnectPoint == cp })
}

// HasEgress reports whether cp is an egress point, ignoring VLAN.
func (r Record) HasEgress(cp network.ConnectPoint) bool {
	return slices.ContainsFunc(r.Egress, func(p FilteredPoint) bool { return p.ConnectPoint == cp })
}

// WithIngress returns a copy with points added to the ingress set.
func (r Record) WithIngress(points ...FilteredPoint) Record {
	r.Ingress = canonicalPoints(append(slices.Clone(r.Ingress), points...))
	return r
}

// WithoutIngress returns a copy with every ingress point on cp removed.
func (r Record) WithoutIngress(cp network.ConnectPoint) Record {
	r.Ingress = slices.DeleteFunc(slices.Clone(r.Ingress), func(p FilteredPoint) bool { return p.ConnectPoint == cp })
	return r
}

// WithIngressOnly returns a copy whose ingress set is replaced by points.
func (r Record) WithIngressOnly(points []FilteredPoint) Record {
	r.Ingress = canonicalPoints(slices.Clone(points))
	return r
}

// WithEncapsulation returns a copy carrying exactly one encapsulation
// constraint for enc, or none when enc is NONE.
func (r Record) WithEncapsulation(enc network.Encapsulation) Record {
	cs := slices.DeleteFunc(slices.Clone(r.Constraints), func(c Constraint) bool { return c.Type == Encapsulation })
	if enc != "" && enc != network.EncapNone {
		cs = append(cs, Constraint{Type: Encapsulation, Encap: enc})
	}
	r.Constraints = canonicalConstraints(cs)
	return r
}

// Encap returns the encapsulation constraint, NONE if absent.
func (r Record) Encap() network.Encapsulation {
	for _, c := range r.Constraints {
		if c.Type == Encapsulation {
			return c.Encap
		}
	}
	return network.EncapNone
}

func (r Record) String() string {
	in := make([]string, len(r.Ingress))
	for i, p := range r.Ingress {
		in[i] = p.String()
	}
	out := make([]string, len(r.Egress))
	for i, p := range r.Egress {
		out[i] = p.String()
	}
	return fmt.Sprintf("%s{%s %s [%s] -> [%s] prio=%d}", r.Key, r.Kind, r.Selector,
		strings.Join(in, " "), strings.Join(out, " "), r.Priority)
}

func canonicalPoints(ps []FilteredPoint) []FilteredPoint {
	if len(ps) == 0 {
		return nil
	}
	slices.SortFunc(ps, func(a, b FilteredPoint) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})
	return slices.Compact(ps)
}

func canonicalConstraints(cs []Constraint) []Constraint {
	if len(cs) == 0 {
		return nil
	}
	slices.SortFunc(cs, func(a, b Constraint) int {
		if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
		return strings.Compare(string(a.Encap), string(b.Encap))
	})
	return slices.Compact(cs)
}
