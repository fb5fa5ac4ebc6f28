package rib

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

func attrsWithNextHop(t *testing.T, nh string, med uint32) *bgp.PathAttributeList {
	t.Helper()
	l := bgp.NewFastPathAttributeList()
	l.Add(&bgp.OriginAttribute{Value: bgp.OriginIGP})
	l.Add(&bgp.ASPathAttribute{Path: &bgp.ASPath{Segments: []bgp.ASSegment{
		{Type: bgp.ASPathSegmentSequence, ASNs: []uint32{65001}},
	}}})
	l.Add(&bgp.NextHopAttribute{NextHop: netip.MustParseAddr(nh)})
	if med != 0 {
		l.Add(&bgp.MEDAttribute{Value: med})
	}
	return l.Canonicalize()
}

func mustInsert(t *testing.T, trie *BgpTrie, cidr string, attrs *bgp.PathAttributeList) *ChainedSubnetRoute {
	t.Helper()
	net := netip.MustParsePrefix(cidr)
	c, err := trie.Insert(net, NewSubnetRoute(net, attrs, nil))
	if err != nil {
		t.Fatalf("insert %s: %v", cidr, err)
	}
	return c
}

func TestTrieInsertEraseLookup(t *testing.T) {
	trie := NewBgpTrie()
	attrs := attrsWithNextHop(t, "20.20.20.1", 0)

	mustInsert(t, trie, "10.10.10.0/24", attrs)
	if trie.RouteCount() != 1 {
		t.Fatalf("route count %d", trie.RouteCount())
	}
	if _, err := trie.Insert(netip.MustParsePrefix("10.10.10.0/24"),
		NewSubnetRoute(netip.MustParsePrefix("10.10.10.0/24"), attrs, nil)); err == nil {
		t.Fatal("double insert accepted")
	}
	if _, ok := trie.Lookup(netip.MustParsePrefix("10.10.10.0/24")); !ok {
		t.Fatal("exact lookup failed")
	}
	if err := trie.Erase(netip.MustParsePrefix("10.10.10.0/24")); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if trie.RouteCount() != 0 || trie.Pathmap().ChainCount() != 0 {
		t.Fatalf("erase left residue: %d routes, %d chains",
			trie.RouteCount(), trie.Pathmap().ChainCount())
	}
}

func TestTrieLongestPrefixMatch(t *testing.T) {
	trie := NewBgpTrie()
	attrs := attrsWithNextHop(t, "20.20.20.1", 0)
	mustInsert(t, trie, "0.0.0.0/0", attrs)
	mustInsert(t, trie, "10.0.0.0/8", attrs)
	mustInsert(t, trie, "10.1.0.0/16", attrs)

	r, ok := trie.Find(netip.MustParseAddr("10.1.2.3"))
	if !ok || r.Net() != netip.MustParsePrefix("10.1.0.0/16") {
		t.Fatalf("lpm got %v", r)
	}
	r, ok = trie.Find(netip.MustParseAddr("10.2.0.1"))
	if !ok || r.Net() != netip.MustParsePrefix("10.0.0.0/8") {
		t.Fatalf("lpm got %v", r)
	}
	r, ok = trie.Find(netip.MustParseAddr("192.0.2.1"))
	if !ok || r.Net() != netip.MustParsePrefix("0.0.0.0/0") {
		t.Fatalf("default match got %v", r)
	}
}

func TestTrieDefaultRouteCoexists(t *testing.T) {
	trie := NewBgpTrie()
	attrs := attrsWithNextHop(t, "20.20.20.1", 0)
	mustInsert(t, trie, "0.0.0.0/0", attrs)

	// Exact lookup of the default prefix and wildcard matching must both
	// work with the same entry present.
	if _, ok := trie.Lookup(netip.MustParsePrefix("0.0.0.0/0")); !ok {
		t.Fatal("exact default lookup failed")
	}
	if _, ok := trie.Find(netip.MustParseAddr("8.8.8.8")); !ok {
		t.Fatal("wildcard match failed")
	}
}

func TestTrieOrderedIteration(t *testing.T) {
	trie := NewBgpTrie()
	attrs := attrsWithNextHop(t, "20.20.20.1", 0)
	mustInsert(t, trie, "10.1.0.0/16", attrs)
	mustInsert(t, trie, "0.0.0.0/0", attrs)
	mustInsert(t, trie, "10.0.0.0/8", attrs)

	want := []string{"0.0.0.0/0", "10.0.0.0/8", "10.1.0.0/16"}
	var got []string
	r, ok := trie.First()
	for ok {
		got = append(got, r.Net().String())
		r, ok = trie.NextAfter(r.Net())
	}
	if len(got) != len(want) {
		t.Fatalf("iterated %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestTrieIterationSurvivesErase(t *testing.T) {
	trie := NewBgpTrie()
	attrs := attrsWithNextHop(t, "20.20.20.1", 0)
	mustInsert(t, trie, "10.0.0.0/8", attrs)
	mustInsert(t, trie, "10.1.0.0/16", attrs)
	mustInsert(t, trie, "10.2.0.0/16", attrs)

	r, _ := trie.First()
	last := r.Net()
	// Erase the node the iterator would visit next.
	if err := trie.Erase(netip.MustParsePrefix("10.1.0.0/16")); err != nil {
		t.Fatal(err)
	}
	r, ok := trie.NextAfter(last)
	if !ok || r.Net() != netip.MustParsePrefix("10.2.0.0/16") {
		t.Fatalf("resume after erase got %v", r)
	}
}

func TestPathmapChains(t *testing.T) {
	trie := NewBgpTrie()
	shared := attrsWithNextHop(t, "20.20.20.1", 0)
	other := attrsWithNextHop(t, "20.20.20.2", 0)

	c1 := mustInsert(t, trie, "10.0.0.0/8", shared)
	c2 := mustInsert(t, trie, "10.1.0.0/16", shared)
	c3 := mustInsert(t, trie, "10.2.0.0/16", shared)
	mustInsert(t, trie, "10.3.0.0/16", other)

	if trie.Pathmap().ChainCount() != 2 {
		t.Fatalf("chain count %d", trie.Pathmap().ChainCount())
	}
	// The shared chain is a ring of three.
	head, ok := trie.Pathmap().ChainForAttributes(shared)
	if !ok {
		t.Fatal("no chain for shared attributes")
	}
	seen := map[*ChainedSubnetRoute]bool{}
	for c, n := head, 0; n < 10; c, n = c.Next(), n+1 {
		seen[c] = true
		if c.Next() == head {
			break
		}
	}
	if len(seen) != 3 || !seen[c1] || !seen[c2] || !seen[c3] {
		t.Fatalf("chain membership wrong: %d members", len(seen))
	}

	// Erasing the head leaves a consistent two-ring.
	if err := trie.Erase(c1.Net()); err != nil {
		t.Fatal(err)
	}
	head, ok = trie.Pathmap().ChainForAttributes(shared)
	if !ok {
		t.Fatal("chain lost after head erase")
	}
	if head.Next().Next() != head {
		t.Fatal("ring broken after erase")
	}
}

func TestPathmapLowerBoundByNextHop(t *testing.T) {
	trie := NewBgpTrie()
	lo := attrsWithNextHop(t, "20.20.20.1", 0)
	loMed := attrsWithNextHop(t, "20.20.20.1", 50)
	hi := attrsWithNextHop(t, "20.20.20.9", 0)
	mustInsert(t, trie, "10.0.0.0/8", lo)
	mustInsert(t, trie, "10.1.0.0/16", loMed)
	mustInsert(t, trie, "10.2.0.0/16", hi)

	probe := bgp.SortKeyForNextHop(netip.MustParseAddr("20.20.20.1"))
	key, ok := trie.Pathmap().LowerBound(probe)
	if !ok {
		t.Fatal("lower bound found nothing")
	}
	chain, _ := trie.Pathmap().Chain(key)
	if chain.NextHop() != netip.MustParseAddr("20.20.20.1") {
		t.Fatalf("lower bound landed on nexthop %s", chain.NextHop())
	}
	// Both chains with that nexthop are reachable by advancing keys.
	n := 0
	for ok && chain.NextHop() == netip.MustParseAddr("20.20.20.1") {
		n++
		key, ok = trie.Pathmap().NextKeyAfter(key)
		if ok {
			chain, _ = trie.Pathmap().Chain(key)
		}
	}
	if n != 2 {
		t.Fatalf("found %d chains with probe nexthop, want 2", n)
	}
}

func TestAttributeManagerInterning(t *testing.T) {
	mgr := NewAttributeManager()
	a := attrsWithNextHop(t, "20.20.20.1", 0)
	b := attrsWithNextHop(t, "20.20.20.1", 0)

	first := mgr.Register(a)
	second := mgr.Register(b)
	if first != second {
		t.Fatal("equal lists not shared")
	}
	if mgr.Refs(first) != 2 {
		t.Fatalf("refcount %d, want 2", mgr.Refs(first))
	}
	if err := mgr.Deregister(first); err != nil {
		t.Fatal(err)
	}
	if mgr.Refs(first) != 1 {
		t.Fatalf("refcount %d, want 1", mgr.Refs(first))
	}
	if err := mgr.Deregister(first); err != nil {
		t.Fatal(err)
	}
	if mgr.Size() != 0 {
		t.Fatal("entry not released at zero refs")
	}
}
