package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

// LocRibEvent is one chosen-route change as seen at the end of the
// pipeline: the stream of winners the speaker is actually using.
type LocRibEvent struct {
	Action   string // "A" or "D"
	Net      netip.Prefix
	Attrs    *bgp.FastPathAttributeList
	PeerName string
}

// LocRibTable is an internal fanout branch (the reserved rib-ipc unique ID)
// that converts pipeline events into callbacks for the redistribution
// consumers: the RIB itself, the Kafka exporter, and the Loc-RIB mirror.
type LocRibTable struct {
	baseTable
	onChange func(ev LocRibEvent)
}

// newPseudoPeerHandler builds a handler that represents an internal
// consumer rather than a real session; it is never routing-active as an
// origin, so the fanout always delivers to its branch.
func newPseudoPeerHandler(name string, uniqueID uint32) *PeerHandler {
	return &PeerHandler{
		peerName:    name,
		uniqueID:    uniqueID,
		peeringIsUp: true,
	}
}

func NewLocRibTable(name string, onChange func(ev LocRibEvent)) *LocRibTable {
	return &LocRibTable{
		baseTable: newBaseTable("LocRibTable-" + name),
		onChange:  onChange,
	}
}

func (t *LocRibTable) emit(action string, msg *InternalMessage) {
	origin := ""
	if msg.Origin() != nil {
		origin = msg.Origin().PeerName()
	}
	t.onChange(LocRibEvent{
		Action:   action,
		Net:      msg.Net(),
		Attrs:    msg.Attrs(),
		PeerName: origin,
	})
}

func (t *LocRibTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	t.emit("A", msg)
	return AddUsed
}

func (t *LocRibTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	t.emit("A", newMsg)
	return AddUsed
}

func (t *LocRibTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	t.emit("D", msg)
	return AddUsed
}

func (t *LocRibTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	t.emit("A", msg)
	return AddUsed
}

func (t *LocRibTable) Push(caller RouteTable) {}

func (t *LocRibTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	return t.parent.LookupRoute(net)
}

func (t *LocRibTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	t.parent.RouteUsed(route, inUse)
}

func (t *LocRibTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable)     {}
func (t *LocRibTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {}
func (t *LocRibTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable)       {}
