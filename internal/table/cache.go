package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// CacheTable stores the modified copy of any route whose attributes a
// filter stage rewrote, so that a later delete or replace for the same
// prefix refers to the same object the downstream tables hold. Unmodified
// messages pass straight through.
type CacheTable struct {
	baseTable
	*crashdump.Dumper

	attrmgr *rib.AttributeManager
	logger  *zap.Logger

	cache map[cacheKey]*rib.SubnetRoute
}

type cacheKey struct {
	net    netip.Prefix
	origin *PeerHandler
	genid  uint32
}

func NewCacheTable(name string, attrmgr *rib.AttributeManager, clock clockwork.Clock, logger *zap.Logger) *CacheTable {
	return &CacheTable{
		baseTable: newBaseTable("CacheTable-" + name),
		Dumper:    crashdump.NewDumper(clock),
		attrmgr:   attrmgr,
		logger:    logger,
		cache:     make(map[cacheKey]*rib.SubnetRoute),
	}
}

// CachedCount reports the number of stored modified routes.
func (t *CacheTable) CachedCount() int { return len(t.cache) }

func (t *CacheTable) storeModified(msg *InternalMessage) *InternalMessage {
	canonical := t.attrmgr.Register(msg.Attrs().Clone().Canonicalize())
	cached := rib.NewSubnetRoute(msg.Net(), canonical, msg.Route())
	cached.SetPolicyTags(msg.Route().PolicyTags())
	t.cache[cacheKey{msg.Net(), msg.Origin(), msg.Genid()}] = cached
	out := msg.WithRoute(cached)
	out.ClearChanged()
	return out
}

// fetchCached returns the stored copy for a delete/replace-old message, if
// one exists, erasing it from the cache.
func (t *CacheTable) fetchCached(msg *InternalMessage) *InternalMessage {
	key := cacheKey{msg.Net(), msg.Origin(), msg.Genid()}
	cached, ok := t.cache[key]
	if !ok {
		return msg
	}
	delete(t.cache, key)
	t.attrmgr.Deregister(cached.Attributes())
	out := msg.WithRoute(cached)
	out.ClearChanged()
	return out
}

func (t *CacheTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	if msg.Changed() {
		t.Log("caching modified route: " + msg.Net().String())
		msg = t.storeModified(msg)
	}
	return t.next.AddRoute(msg, t)
}

func (t *CacheTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	oldMsg = t.fetchCached(oldMsg)
	if newMsg.Changed() {
		newMsg = t.storeModified(newMsg)
	}
	return t.next.ReplaceRoute(oldMsg, newMsg, t)
}

func (t *CacheTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	msg = t.fetchCached(msg)
	return t.next.DeleteRoute(msg, t)
}

func (t *CacheTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	if msg.Changed() {
		msg = t.storeModified(msg)
	}
	return t.next.RouteDump(msg, t, dumpPeer)
}

func (t *CacheTable) Push(caller RouteTable) { t.next.Push(t) }

// LookupRoute returns the cached modified copy when one exists, since that
// is the version downstream tables know.
func (t *CacheTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	route, genid := t.parent.LookupRoute(net)
	if route == nil {
		return nil, genid
	}
	for key, cached := range t.cache {
		if key.net == net && key.genid == genid {
			return cached, genid
		}
	}
	return route, genid
}

// RouteUsed translates a cached copy back to its original before passing
// the flag upstream.
func (t *CacheTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	if original := route.OriginalRoute(); original != nil {
		route = original
	}
	t.parent.RouteUsed(route, inUse)
}

func (t *CacheTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringWentDown(peer, genid, t)
}

// PeeringDownComplete evicts every cached route belonging to the drained
// generation.
func (t *CacheTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {
	for key, cached := range t.cache {
		if key.origin == peer && key.genid == genid {
			t.attrmgr.Deregister(cached.Attributes())
			delete(t.cache, key)
		}
	}
	t.next.PeeringDownComplete(peer, genid, t)
}

func (t *CacheTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringCameUp(peer, genid, t)
}

func (t *CacheTable) DumpState() string {
	return t.name + "\n" + t.Dumper.DumpState()
}
