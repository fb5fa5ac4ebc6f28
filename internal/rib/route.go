package rib

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/policy"
)

// SubnetRoute is one route record: a prefix bound to an interned attribute
// list. Once a route has been published downstream it is immutable except
// for the flag and cached-filter fields below, which carry no routing
// semantics visible to other peers and may be updated in place.
type SubnetRoute struct {
	net   netip.Prefix
	attrs *bgp.PathAttributeList

	// originalRoute points back at the upstream canonical route when this
	// route is a filter-modified copy held in a CacheTable.
	originalRoute *SubnetRoute

	igpMetric  uint32
	policyTags policy.Tags

	// Cached policy-filter versions, one per filter direction.
	policyFilters [policy.FilterCount]uint32

	isWinner           bool
	inUse              bool
	filtered           bool
	nexthopResolved    bool
	fromPreviousPeering bool
}

func NewSubnetRoute(net netip.Prefix, attrs *bgp.PathAttributeList, original *SubnetRoute) *SubnetRoute {
	return &SubnetRoute{
		net:           net,
		attrs:         attrs,
		originalRoute: original,
		igpMetric:     0xFFFFFFFF,
	}
}

func (r *SubnetRoute) Net() netip.Prefix               { return r.net }
func (r *SubnetRoute) Attributes() *bgp.PathAttributeList { return r.attrs }
func (r *SubnetRoute) NextHop() netip.Addr             { return r.attrs.NextHop() }
func (r *SubnetRoute) OriginalRoute() *SubnetRoute     { return r.originalRoute }

func (r *SubnetRoute) IGPMetric() uint32        { return r.igpMetric }
func (r *SubnetRoute) SetIGPMetric(m uint32)    { r.igpMetric = m }
func (r *SubnetRoute) PolicyTags() policy.Tags  { return r.policyTags }
func (r *SubnetRoute) SetPolicyTags(t policy.Tags) { r.policyTags = t }

func (r *SubnetRoute) PolicyFilter(dir policy.FilterDirection) uint32 {
	return r.policyFilters[dir]
}

// SetPolicyFilter caches the filter version for one direction. When the
// route is a cached copy, the version is set on the original too so a
// filter reset invalidates both.
func (r *SubnetRoute) SetPolicyFilter(dir policy.FilterDirection, version uint32) {
	r.policyFilters[dir] = version
	if r.originalRoute != nil {
		r.originalRoute.policyFilters[dir] = version
	}
}

func (r *SubnetRoute) IsWinner() bool  { return r.isWinner }
func (r *SubnetRoute) SetIsWinner(v bool) { r.isWinner = v }

func (r *SubnetRoute) InUse() bool     { return r.inUse }
func (r *SubnetRoute) SetInUse(v bool) { r.inUse = v }

func (r *SubnetRoute) Filtered() bool     { return r.filtered }
func (r *SubnetRoute) SetFiltered(v bool) { r.filtered = v }

func (r *SubnetRoute) NexthopResolved() bool     { return r.nexthopResolved }
func (r *SubnetRoute) SetNexthopResolved(v bool) { r.nexthopResolved = v }

func (r *SubnetRoute) FromPreviousPeering() bool { return r.fromPreviousPeering }

func (r *SubnetRoute) String() string {
	return fmt.Sprintf("%s [%s]", r.net, r.attrs)
}

// ChainedSubnetRoute embeds a SubnetRoute in an intrusive circular ring
// linking every current route that shares the same interned attribute
// list. A chain of length one references itself.
type ChainedSubnetRoute struct {
	*SubnetRoute
	prev, next *ChainedSubnetRoute
}

func newChainedSubnetRoute(r *SubnetRoute) *ChainedSubnetRoute {
	c := &ChainedSubnetRoute{SubnetRoute: r}
	c.prev = c
	c.next = c
	return c
}

func (c *ChainedSubnetRoute) Prev() *ChainedSubnetRoute { return c.prev }
func (c *ChainedSubnetRoute) Next() *ChainedSubnetRoute { return c.next }

// insertAfter links c into the ring after pos.
func (c *ChainedSubnetRoute) insertAfter(pos *ChainedSubnetRoute) {
	c.next = pos.next
	c.prev = pos
	pos.next.prev = c
	pos.next = c
}

// detach unlinks c from its ring. Returns false when c was the last member.
func (c *ChainedSubnetRoute) detach() bool {
	if c.next == c {
		return false
	}
	c.prev.next = c.next
	c.next.prev = c.prev
	c.prev = c
	c.next = c
	return true
}
