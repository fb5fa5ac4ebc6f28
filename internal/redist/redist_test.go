package redist

import (
	"net/netip"
	"testing"

	"go.uber.org/zap"
)

func testRoute(prefix, nexthop string, metric uint32) Route {
	return Route{
		Prefix:   netip.MustParsePrefix(prefix),
		Nexthop:  netip.MustParseAddr(nexthop),
		Metric:   metric,
		Protocol: "ospf",
	}
}

func TestRedistStreamLifecycle(t *testing.T) {
	m := NewManager(zap.NewNop())
	if err := m.RedistEnable("ospf", true, false, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RedistEnable("ospf", true, false, "c1"); err == nil {
		t.Fatal("duplicate cookie accepted")
	}

	m.StartingRouteDump("c1")
	m.AddRoute(testRoute("20.20.20.0/24", "192.168.1.1", 10), "c1")
	m.AddRoute(testRoute("20.20.0.0/16", "192.168.1.2", 30), "c1")
	m.FinishingRouteDump("c1")

	if m.RouteCount() != 2 {
		t.Fatalf("route count %d", m.RouteCount())
	}

	// Unknown cookie is dropped.
	m.AddRoute(testRoute("30.0.0.0/8", "192.168.1.3", 5), "bogus")
	if m.RouteCount() != 2 {
		t.Fatal("route with unknown cookie stored")
	}
}

func TestMetricForLongestMatch(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RedistEnable("ospf", true, false, "c1")
	m.AddRoute(testRoute("20.20.0.0/16", "192.168.1.2", 30), "c1")
	m.AddRoute(testRoute("20.20.20.0/24", "192.168.1.1", 10), "c1")

	metric, ok := m.MetricFor(netip.MustParseAddr("20.20.20.1"))
	if !ok || metric != 10 {
		t.Fatalf("metric %d ok=%v, want 10 via /24", metric, ok)
	}
	metric, ok = m.MetricFor(netip.MustParseAddr("20.20.99.1"))
	if !ok || metric != 30 {
		t.Fatalf("metric %d ok=%v, want 30 via /16", metric, ok)
	}
	if _, ok := m.MetricFor(netip.MustParseAddr("99.0.0.1")); ok {
		t.Fatal("unreachable nexthop resolved")
	}
}

func TestNexthopChangeNotification(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RedistEnable("ospf", true, false, "c1")
	m.AddRoute(testRoute("20.20.0.0/16", "192.168.1.2", 30), "c1")

	var changed []netip.Addr
	m.OnNexthopChange = func(nh netip.Addr) { changed = append(changed, nh) }

	// Resolve once so the nexthop is watched.
	nh := netip.MustParseAddr("20.20.20.1")
	if _, ok := m.MetricFor(nh); !ok {
		t.Fatal("setup: nexthop unresolvable")
	}

	// A more specific IGP route changes the resolution.
	m.AddRoute(testRoute("20.20.20.0/24", "192.168.1.1", 10), "c1")
	if len(changed) != 1 || changed[0] != nh {
		t.Fatalf("changes %v, want [%v]", changed, nh)
	}

	// An unrelated route does not fire.
	m.AddRoute(testRoute("30.0.0.0/8", "192.168.1.3", 99), "c1")
	if len(changed) != 1 {
		t.Fatalf("unrelated route fired notification: %v", changed)
	}

	// Deleting the covering route changes resolution again.
	m.DeleteRoute(netip.MustParsePrefix("20.20.20.0/24"), "c1")
	if len(changed) != 2 {
		t.Fatalf("deletion did not fire: %v", changed)
	}

	// A delete for a prefix we never held is a warning only.
	m.DeleteRoute(netip.MustParsePrefix("99.99.0.0/16"), "c1")
}
