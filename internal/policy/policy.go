// Package policy defines the interface through which the routing core
// consumes the external policy engine. The core never evaluates policy
// itself; it applies configured filters at the pipeline's filter tables and
// caches the filter version on each route so a reconfiguration can
// invalidate stale decisions cheaply.
package policy

import "github.com/route-beacon/bgp-speaker/internal/bgp"

// FilterDirection identifies one of the three filter banks.
type FilterDirection int

const (
	FilterImport      FilterDirection = 0
	FilterSourceMatch FilterDirection = 1
	FilterExport      FilterDirection = 2

	FilterCount = 3
)

// Tags is the opaque set of policy tags the policy engine attaches to a
// route on import and reads back on export.
type Tags []uint32

func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	return append(Tags(nil), t...)
}

// Verdict is the outcome of running a route through a filter.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictReject
)

// Filter is one configured policy filter. Implementations may modify the
// attribute list in place (prepend, nexthop rewrite, community changes).
type Filter interface {
	// Version changes every time the filter is reconfigured; routes cache
	// the version they were last evaluated against.
	Version() uint32
	// Apply runs the filter over a mutable attribute list, returning the
	// verdict and whether the attributes were modified.
	Apply(attrs *bgp.FastPathAttributeList, tags Tags) (Verdict, bool)
}

// FilterBank manages the three filter directions for the core.
type FilterBank interface {
	// Configure installs or replaces the filter for one direction.
	Configure(dir FilterDirection, f Filter)
	// Reset removes the filter for one direction, bumping the version so
	// cached evaluations are invalidated.
	Reset(dir FilterDirection)
	// Get returns the current filter, or nil when none is configured.
	Get(dir FilterDirection) Filter
	// PushRoutes asks the core to re-run every route through the filters;
	// wired to the RibIn re-emit machinery.
	PushRoutes()
}

// AcceptAll is the null filter: accepts everything, modifies nothing.
type AcceptAll struct{ version uint32 }

func NewAcceptAll(version uint32) *AcceptAll { return &AcceptAll{version: version} }

func (f *AcceptAll) Version() uint32 { return f.version }
func (f *AcceptAll) Apply(*bgp.FastPathAttributeList, Tags) (Verdict, bool) {
	return VerdictAccept, false
}
