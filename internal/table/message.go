package table

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

// GenidUnknown marks a message whose RibIn generation is not known.
const GenidUnknown uint32 = 0

// AddStatus is the downstream verdict on a propagated route change.
type AddStatus int

const (
	// AddUsed: the route is the new winner, or at least reached output.
	AddUsed AddStatus = iota
	// AddUnused: stored, but lost the decision process.
	AddUnused
	// AddFiltered: rejected by policy.
	AddFiltered
	// AddFailure: invariant violation downstream; fatal to the pipeline.
	AddFailure
)

func (s AddStatus) String() string {
	switch s {
	case AddUsed:
		return "ADD_USED"
	case AddUnused:
		return "ADD_UNUSED"
	case AddFiltered:
		return "ADD_FILTERED"
	case AddFailure:
		return "ADD_FAILURE"
	}
	return fmt.Sprintf("AddStatus(%d)", int(s))
}

// InternalMessage carries one route change between route tables. It holds
// the route itself, a mutable working copy of its attributes for the filter
// stages, the peering the route originated from, and the generation ID of
// that peering's RibIn.
type InternalMessage struct {
	route  *rib.SubnetRoute
	attrs  *bgp.FastPathAttributeList
	origin *PeerHandler
	genid  uint32

	// changed marks that the attributes were modified since the route was
	// last stored, so a CacheTable must store the modified copy.
	changed bool

	// push marks the last message of a batch; downstream tables flush.
	push bool

	// fromPreviousPeering is set on deletes draining a dead peering's
	// snapshot; such messages are only ever deletes.
	fromPreviousPeering bool
}

func NewInternalMessage(route *rib.SubnetRoute, origin *PeerHandler, genid uint32) *InternalMessage {
	return &InternalMessage{
		route:  route,
		attrs:  route.Attributes().Fast(),
		origin: origin,
		genid:  genid,
	}
}

func (m *InternalMessage) Net() netip.Prefix                 { return m.route.Net() }
func (m *InternalMessage) Route() *rib.SubnetRoute           { return m.route }
func (m *InternalMessage) Attrs() *bgp.FastPathAttributeList { return m.attrs }
func (m *InternalMessage) Origin() *PeerHandler              { return m.origin }
func (m *InternalMessage) Genid() uint32                     { return m.genid }
func (m *InternalMessage) NextHop() netip.Addr               { return m.attrs.NextHop() }

func (m *InternalMessage) Changed() bool     { return m.changed }
func (m *InternalMessage) SetChanged()       { m.changed = true }
func (m *InternalMessage) ClearChanged()     { m.changed = false }

func (m *InternalMessage) Push() bool    { return m.push }
func (m *InternalMessage) SetPush()      { m.push = true }
func (m *InternalMessage) ClearPush()    { m.push = false }

func (m *InternalMessage) FromPreviousPeering() bool { return m.fromPreviousPeering }
func (m *InternalMessage) SetFromPreviousPeering()   { m.fromPreviousPeering = true }

// Clone copies the message with an independent working attribute list, so
// per-branch filter stages can modify it without affecting siblings.
func (m *InternalMessage) Clone() *InternalMessage {
	c := &InternalMessage{
		route:               m.route,
		attrs:               m.attrs.Clone(),
		origin:              m.origin,
		genid:               m.genid,
		changed:             m.changed,
		push:                m.push,
		fromPreviousPeering: m.fromPreviousPeering,
	}
	return c
}

// WithRoute returns a copy of the message carrying a different route,
// preserving origin, genid and flags. Used by cache and filter stages when
// they substitute a stored or modified route.
func (m *InternalMessage) WithRoute(route *rib.SubnetRoute) *InternalMessage {
	c := NewInternalMessage(route, m.origin, m.genid)
	c.changed = m.changed
	c.push = m.push
	c.fromPreviousPeering = m.fromPreviousPeering
	return c
}

func (m *InternalMessage) String() string {
	return fmt.Sprintf("msg{%s genid %d changed=%v push=%v prev=%v}",
		m.Net(), m.genid, m.changed, m.push, m.fromPreviousPeering)
}
