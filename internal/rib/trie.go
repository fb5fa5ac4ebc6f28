package rib

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// ComparePrefix orders prefixes by address, then by prefix length, which is
// the iteration order of the table: 10.0.0.0/8 < 10.1.0.0/16 < 10.1.1.0/24.
func ComparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	switch {
	case a.Bits() < b.Bits():
		return -1
	case a.Bits() > b.Bits():
		return 1
	}
	return 0
}

// BgpTrie indexes the routes of one RibIn two ways: by prefix for exact and
// longest-prefix lookup with ordered, resumable iteration, and by interned
// attribute-list identity (the pathmap) for cheap enumeration of every
// route sharing a nexthop.
//
// Both indices are kept consistent on insert and erase. Ownership of a
// whole trie moves from a RibIn to a DeletionTable on peer loss by pointer
// swap, so nothing here may retain references into any containing table.
type BgpTrie struct {
	routes  map[netip.Prefix]*ChainedSubnetRoute
	ordered []netip.Prefix // ascending ComparePrefix order
	pathmap *Pathmap
}

func NewBgpTrie() *BgpTrie {
	return &BgpTrie{
		routes:  make(map[netip.Prefix]*ChainedSubnetRoute),
		pathmap: NewPathmap(),
	}
}

func (t *BgpTrie) RouteCount() int { return len(t.routes) }

func (t *BgpTrie) Pathmap() *Pathmap { return t.pathmap }

// Insert adds a route under its prefix. Inserting over an existing prefix
// fails; the caller must erase first.
func (t *BgpTrie) Insert(net netip.Prefix, route *SubnetRoute) (*ChainedSubnetRoute, error) {
	if _, exists := t.routes[net]; exists {
		return nil, fmt.Errorf("trie: route for %s already present", net)
	}
	chained := newChainedSubnetRoute(route)
	t.routes[net] = chained
	idx := sort.Search(len(t.ordered), func(i int) bool {
		return ComparePrefix(t.ordered[i], net) >= 0
	})
	t.ordered = append(t.ordered, netip.Prefix{})
	copy(t.ordered[idx+1:], t.ordered[idx:])
	t.ordered[idx] = net

	t.pathmap.add(chained)
	return chained, nil
}

// Erase removes the route at net from both indices, repairing its chain.
func (t *BgpTrie) Erase(net netip.Prefix) error {
	chained, ok := t.routes[net]
	if !ok {
		return fmt.Errorf("trie: no route for %s", net)
	}
	delete(t.routes, net)
	idx := sort.Search(len(t.ordered), func(i int) bool {
		return ComparePrefix(t.ordered[i], net) >= 0
	})
	t.ordered = append(t.ordered[:idx], t.ordered[idx+1:]...)

	t.pathmap.remove(chained)
	return nil
}

// Lookup is an exact-match probe.
func (t *BgpTrie) Lookup(net netip.Prefix) (*ChainedSubnetRoute, bool) {
	r, ok := t.routes[net]
	return r, ok
}

// Find is a longest-prefix-match probe for a bare address.
func (t *BgpTrie) Find(addr netip.Addr) (*ChainedSubnetRoute, bool) {
	for bits := addr.BitLen(); bits >= 0; bits-- {
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if r, ok := t.routes[p]; ok {
			return r, true
		}
	}
	return nil, false
}

// First returns the route with the smallest prefix in iteration order.
func (t *BgpTrie) First() (*ChainedSubnetRoute, bool) {
	if len(t.ordered) == 0 {
		return nil, false
	}
	return t.routes[t.ordered[0]], true
}

// NextAfter returns the first route strictly after net in iteration order.
// It is safe to call with a prefix that has since been erased, which is how
// dump and deletion iterators survive concurrent mutation.
func (t *BgpTrie) NextAfter(net netip.Prefix) (*ChainedSubnetRoute, bool) {
	idx := sort.Search(len(t.ordered), func(i int) bool {
		return ComparePrefix(t.ordered[i], net) > 0
	})
	if idx >= len(t.ordered) {
		return nil, false
	}
	return t.routes[t.ordered[idx]], true
}

// Pathmap is the secondary index grouping routes by canonical
// attribute-list identity. Keys order chains with the nexthop as the most
// significant component, so a lower-bound probe on a bare nexthop lands on
// the first chain carrying it.
type Pathmap struct {
	chains map[string]*ChainedSubnetRoute // SortKey -> chain head
	keys   []string                       // ascending
}

func NewPathmap() *Pathmap {
	return &Pathmap{chains: make(map[string]*ChainedSubnetRoute)}
}

func (p *Pathmap) ChainCount() int { return len(p.chains) }

// Chain returns the head of the chain stored under key.
func (p *Pathmap) Chain(key string) (*ChainedSubnetRoute, bool) {
	c, ok := p.chains[key]
	return c, ok
}

// FirstKey returns the smallest chain key.
func (p *Pathmap) FirstKey() (string, bool) {
	if len(p.keys) == 0 {
		return "", false
	}
	return p.keys[0], true
}

// NextKeyAfter returns the first chain key strictly greater than key; safe
// to call with a key that has since been removed.
func (p *Pathmap) NextKeyAfter(key string) (string, bool) {
	idx := sort.SearchStrings(p.keys, key)
	if idx < len(p.keys) && p.keys[idx] == key {
		idx++
	}
	if idx >= len(p.keys) {
		return "", false
	}
	return p.keys[idx], true
}

// LowerBound returns the first chain key >= probe.
func (p *Pathmap) LowerBound(probe string) (string, bool) {
	idx := sort.SearchStrings(p.keys, probe)
	if idx >= len(p.keys) {
		return "", false
	}
	return p.keys[idx], true
}

// ChainForAttributes returns the chain sharing the given interned list.
func (p *Pathmap) ChainForAttributes(attrs *bgp.PathAttributeList) (*ChainedSubnetRoute, bool) {
	return p.Chain(attrs.SortKey())
}

func (p *Pathmap) add(c *ChainedSubnetRoute) {
	key := c.Attributes().SortKey()
	if head, ok := p.chains[key]; ok {
		c.insertAfter(head.prev)
		return
	}
	p.chains[key] = c
	idx := sort.SearchStrings(p.keys, key)
	p.keys = append(p.keys, "")
	copy(p.keys[idx+1:], p.keys[idx:])
	p.keys[idx] = key
}

func (p *Pathmap) remove(c *ChainedSubnetRoute) {
	key := c.Attributes().SortKey()
	head, ok := p.chains[key]
	if !ok {
		return
	}
	successor := c.next
	if !c.detach() {
		delete(p.chains, key)
		idx := sort.SearchStrings(p.keys, key)
		if idx < len(p.keys) && p.keys[idx] == key {
			p.keys = append(p.keys[:idx], p.keys[idx+1:]...)
		}
		return
	}
	if head == c {
		p.chains[key] = successor
	}
}
