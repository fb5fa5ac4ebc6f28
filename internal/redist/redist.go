// Package redist consumes the RIB daemon's route redistribution stream.
// The RIB announces IGP routes through a cookie-tagged dump protocol; the
// speaker uses them to resolve BGP nexthops to IGP metrics and re-runs the
// decision process when a resolution changes.
package redist

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap"
)

// Route is one redistributed IGP route.
type Route struct {
	Prefix        netip.Prefix
	Nexthop       netip.Addr
	IfName        string
	VifName       string
	Metric        uint32
	AdminDistance uint32
	Protocol      string
}

// Manager implements the redistribution consumer side and doubles as the
// nexthop resolver for the decision table.
type Manager struct {
	logger *zap.Logger

	enabled map[string]string // cookie -> protocol
	routes  map[netip.Prefix]Route
	dumping map[string]bool

	// Nexthops that have been resolved at least once; a routing change
	// re-checks these and fires OnNexthopChange for the ones whose
	// resolution moved.
	watched map[netip.Addr]uint32

	// OnNexthopChange is invoked when the IGP path to a previously
	// resolved BGP nexthop changes; the speaker re-emits the affected
	// routes through every RibIn.
	OnNexthopChange func(nexthop netip.Addr)
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		enabled: make(map[string]string),
		routes:  make(map[netip.Prefix]Route),
		dumping: make(map[string]bool),
		watched: make(map[netip.Addr]uint32),
	}
}

// RedistEnable requests redistribution of one protocol; the cookie echoes
// through the subsequent stream callbacks.
func (m *Manager) RedistEnable(protocol string, unicast, multicast bool, cookie string) error {
	if _, dup := m.enabled[cookie]; dup {
		return fmt.Errorf("redist: cookie %q already enabled", cookie)
	}
	m.enabled[cookie] = protocol
	m.logger.Info("redistribution enabled",
		zap.String("protocol", protocol), zap.String("cookie", cookie),
		zap.Bool("unicast", unicast), zap.Bool("multicast", multicast))
	return nil
}

// StartingRouteDump begins a route dump for a cookie.
func (m *Manager) StartingRouteDump(cookie string) {
	m.dumping[cookie] = true
}

// FinishingRouteDump ends a route dump for a cookie.
func (m *Manager) FinishingRouteDump(cookie string) {
	delete(m.dumping, cookie)
}

// AddRoute ingests one redistributed route.
func (m *Manager) AddRoute(r Route, cookie string) {
	if _, ok := m.enabled[cookie]; !ok {
		m.logger.Warn("redist add with unknown cookie", zap.String("cookie", cookie))
		return
	}
	m.routes[r.Prefix] = r
	m.recheckWatched()
}

// DeleteRoute removes one redistributed route. A delete for an unknown
// prefix is a warning only; the interface may have gone down first.
func (m *Manager) DeleteRoute(prefix netip.Prefix, cookie string) {
	if _, ok := m.routes[prefix]; !ok {
		m.logger.Warn("redist delete for unknown prefix", zap.Stringer("prefix", prefix))
		return
	}
	delete(m.routes, prefix)
	m.recheckWatched()
}

// MetricFor resolves a BGP nexthop to its IGP metric by longest-prefix
// match over the redistributed routes. Implements table.NexthopResolver.
func (m *Manager) MetricFor(nexthop netip.Addr) (uint32, bool) {
	metric, ok := m.resolve(nexthop)
	if ok {
		m.watched[nexthop] = metric
	}
	return metric, ok
}

func (m *Manager) resolve(nexthop netip.Addr) (uint32, bool) {
	bestBits := -1
	var best Route
	for prefix, r := range m.routes {
		if prefix.Contains(nexthop) && prefix.Bits() > bestBits {
			bestBits = prefix.Bits()
			best = r
		}
	}
	if bestBits < 0 {
		return 0, false
	}
	return best.Metric, true
}

func (m *Manager) recheckWatched() {
	for nh, lastMetric := range m.watched {
		metric, ok := m.resolve(nh)
		if !ok {
			metric = 0xFFFFFFFF
		}
		if metric != lastMetric {
			m.watched[nh] = metric
			if m.OnNexthopChange != nil {
				m.OnNexthopChange(nh)
			}
		}
	}
}

// RouteCount reports the number of redistributed routes held.
func (m *Manager) RouteCount() int { return len(m.routes) }
