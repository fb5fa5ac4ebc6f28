package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/policy"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// FilterTable applies one direction of policy to the messages flowing
// through it: the configured policy filter plus the built-in per-direction
// actions (export AS prepend, nexthop-self, IBGP propagation rules). A
// modified message is marked changed so the next CacheTable stores it; a
// rejected message is swallowed with AddFiltered.
type FilterTable struct {
	baseTable
	*crashdump.Dumper

	direction policy.FilterDirection
	bank      policy.FilterBank
	logger    *zap.Logger

	// Export-side identity. Nil on import/source-match filters.
	outputPeer *PeerHandler
	localAS    uint32
	nexthopSelf netip.Addr
}

func NewFilterTable(name string, direction policy.FilterDirection, bank policy.FilterBank,
	clock clockwork.Clock, logger *zap.Logger) *FilterTable {
	return &FilterTable{
		baseTable: newBaseTable("FilterTable-" + name),
		Dumper:    crashdump.NewDumper(clock),
		direction: direction,
		bank:      bank,
		logger:    logger,
	}
}

// ConfigureExport arms the built-in export actions for one target peer.
func (t *FilterTable) ConfigureExport(peer *PeerHandler, localAS uint32, nexthopSelf netip.Addr) {
	t.outputPeer = peer
	t.localAS = localAS
	t.nexthopSelf = nexthopSelf
}

// apply runs the message through the built-in actions and the configured
// filter. Returns false when the route is rejected.
func (t *FilterTable) apply(msg *InternalMessage) bool {
	if t.outputPeer != nil {
		if !t.applyExportRules(msg) {
			return false
		}
	}
	f := t.bank.Get(t.direction)
	if f == nil {
		return true
	}
	verdict, modified := f.Apply(msg.Attrs(), msg.Route().PolicyTags())
	// Cache the filter version on both the forwarded route and, through it,
	// the original stored upstream, so a filter reset invalidates both.
	msg.Route().SetPolicyFilter(t.direction, f.Version())
	if verdict == policy.VerdictReject {
		return false
	}
	if modified {
		msg.SetChanged()
	}
	return true
}

// applyExportRules implements the standard output transforms.
func (t *FilterTable) applyExportRules(msg *InternalMessage) bool {
	// An IBGP-learned route is not propagated to another IBGP peer.
	if msg.Origin() != nil && msg.Origin().IBGP() && t.outputPeer.IBGP() {
		return false
	}
	if !t.outputPeer.IBGP() {
		// EBGP export: prepend our AS, set nexthop-self, strip LOCAL_PREF.
		msg.Attrs().PrependAS(t.localAS)
		if t.nexthopSelf.IsValid() {
			msg.Attrs().SetNextHop(t.nexthopSelf)
		}
		msg.Attrs().Remove(bgp.AttrTypeLocalPref)
		msg.SetChanged()
	}
	return true
}

func (t *FilterTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	if !t.apply(msg) {
		return AddFiltered
	}
	return t.next.AddRoute(msg, t)
}

func (t *FilterTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	oldOK := t.apply(oldMsg)
	newOK := t.apply(newMsg)
	switch {
	case oldOK && newOK:
		return t.next.ReplaceRoute(oldMsg, newMsg, t)
	case oldOK && !newOK:
		t.next.DeleteRoute(oldMsg, t)
		return AddFiltered
	case !oldOK && newOK:
		return t.next.AddRoute(newMsg, t)
	default:
		return AddFiltered
	}
}

func (t *FilterTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	if !t.apply(msg) {
		// The add was filtered too; downstream never saw this route.
		return AddFiltered
	}
	return t.next.DeleteRoute(msg, t)
}

func (t *FilterTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	if !t.apply(msg) {
		return AddFiltered
	}
	return t.next.RouteDump(msg, t, dumpPeer)
}

func (t *FilterTable) Push(caller RouteTable) { t.next.Push(t) }

func (t *FilterTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	return t.parent.LookupRoute(net)
}

func (t *FilterTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	t.parent.RouteUsed(route, inUse)
}

func (t *FilterTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringWentDown(peer, genid, t)
}

func (t *FilterTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringDownComplete(peer, genid, t)
}

func (t *FilterTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringCameUp(peer, genid, t)
}

func (t *FilterTable) DumpState() string {
	return t.name + "\n" + t.Dumper.DumpState()
}
