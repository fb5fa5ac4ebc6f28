package bgp

import (
	"bytes"
	"net/netip"
	"sort"
	"strings"
)

// FastPathAttributeList is the mutable working form of an attribute bundle,
// used during parsing and policy modification. Canonicalize produces the
// immutable PathAttributeList that is interned and shared.
type FastPathAttributeList struct {
	attrs map[uint8]PathAttribute
}

func NewFastPathAttributeList() *FastPathAttributeList {
	return &FastPathAttributeList{attrs: make(map[uint8]PathAttribute)}
}

// Add stores an attribute, replacing any previous attribute of the same
// type code.
func (l *FastPathAttributeList) Add(attr PathAttribute) {
	l.attrs[attr.TypeCode()] = attr
}

func (l *FastPathAttributeList) Get(typeCode uint8) PathAttribute {
	return l.attrs[typeCode]
}

func (l *FastPathAttributeList) Remove(typeCode uint8) {
	delete(l.attrs, typeCode)
}

func (l *FastPathAttributeList) Len() int { return len(l.attrs) }

func (l *FastPathAttributeList) Origin() (uint8, bool) {
	if a, ok := l.attrs[AttrTypeOrigin].(*OriginAttribute); ok {
		return a.Value, true
	}
	return 0, false
}

func (l *FastPathAttributeList) ASPath() *ASPath {
	if a, ok := l.attrs[AttrTypeASPath].(*ASPathAttribute); ok {
		return a.Path
	}
	return nil
}

func (l *FastPathAttributeList) NextHop() netip.Addr {
	if a, ok := l.attrs[AttrTypeNextHop].(*NextHopAttribute); ok {
		return a.NextHop
	}
	if a, ok := l.attrs[AttrTypeMPReachNLRI].(*MPReachNLRIAttribute); ok {
		return a.NextHop
	}
	return netip.Addr{}
}

func (l *FastPathAttributeList) MED() (uint32, bool) {
	if a, ok := l.attrs[AttrTypeMED].(*MEDAttribute); ok {
		return a.Value, true
	}
	return 0, false
}

func (l *FastPathAttributeList) LocalPref() (uint32, bool) {
	if a, ok := l.attrs[AttrTypeLocalPref].(*LocalPrefAttribute); ok {
		return a.Value, true
	}
	return 0, false
}

// SetNextHop replaces the NEXT_HOP (used by nexthop-self policy actions).
func (l *FastPathAttributeList) SetNextHop(nh netip.Addr) {
	l.Add(&NextHopAttribute{NextHop: nh})
}

// SetLocalPref replaces LOCAL_PREF (set on IBGP import).
func (l *FastPathAttributeList) SetLocalPref(v uint32) {
	l.Add(&LocalPrefAttribute{Value: v})
}

// PrependAS adds the local AS to the front of the AS_PATH, creating the
// attribute if the path was empty (locally originated routes).
func (l *FastPathAttributeList) PrependAS(asn uint32) {
	path := l.ASPath()
	if path == nil {
		path = &ASPath{}
		l.Add(&ASPathAttribute{Path: path})
	}
	path.PrependAS(asn)
}

// sorted returns the attributes ordered by type code, the canonical order
// for hashing, comparison and encoding.
func (l *FastPathAttributeList) sorted() []PathAttribute {
	attrs := make([]PathAttribute, 0, len(l.attrs))
	for _, a := range l.attrs {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].TypeCode() < attrs[j].TypeCode() })
	return attrs
}

// Canonicalize folds any AS4_PATH/AS4_AGGREGATOR shadow attributes into
// their 4-octet primaries and freezes the list into its canonical,
// comparable form.
func (l *FastPathAttributeList) Canonicalize() *PathAttributeList {
	if as4, ok := l.attrs[AttrTypeAS4Path].(*AS4PathAttribute); ok {
		if asp, ok := l.attrs[AttrTypeASPath].(*ASPathAttribute); ok {
			asp.Path = mergeAS4Path(asp.Path, as4.Path)
		}
		delete(l.attrs, AttrTypeAS4Path)
	}
	if as4, ok := l.attrs[AttrTypeAS4Aggregator].(*AS4AggregatorAttribute); ok {
		if _, ok := l.attrs[AttrTypeAggregator]; ok {
			l.attrs[AttrTypeAggregator] = &AggregatorAttribute{AS: as4.AS, Speaker: as4.Speaker}
		}
		delete(l.attrs, AttrTypeAS4Aggregator)
	}

	attrs := l.sorted()
	var canonical []byte
	for _, a := range attrs {
		// Canonical bytes always use the 4-octet ASN width so equality is
		// independent of per-session capabilities.
		canonical = append(canonical, encodeAttribute(a, true)...)
	}
	return &PathAttributeList{
		attrs:     attrs,
		canonical: canonical,
		nexthop:   l.NextHop(),
	}
}

// Clone returns an independent mutable copy sharing no attribute storage
// for the mutable attribute kinds.
func (l *FastPathAttributeList) Clone() *FastPathAttributeList {
	c := NewFastPathAttributeList()
	for code, a := range l.attrs {
		switch v := a.(type) {
		case *ASPathAttribute:
			c.attrs[code] = &ASPathAttribute{Path: v.Path.clone()}
		default:
			c.attrs[code] = a
		}
	}
	return c
}

func (l *FastPathAttributeList) String() string {
	var parts []string
	for _, a := range l.sorted() {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// PathAttributeList is the immutable canonical form of an attribute bundle.
// Instances are interned by the attribute manager; equal bundles share one
// instance, which is what makes nexthop-change propagation cheap.
type PathAttributeList struct {
	attrs     []PathAttribute
	canonical []byte
	nexthop   netip.Addr
}

// Attributes returns the attributes in canonical (type code) order. Callers
// must not modify the returned slice.
func (p *PathAttributeList) Attributes() []PathAttribute { return p.attrs }

func (p *PathAttributeList) Get(typeCode uint8) PathAttribute {
	for _, a := range p.attrs {
		if a.TypeCode() == typeCode {
			return a
		}
	}
	return nil
}

func (p *PathAttributeList) NextHop() netip.Addr { return p.nexthop }

func (p *PathAttributeList) ASPath() *ASPath {
	if a, ok := p.Get(AttrTypeASPath).(*ASPathAttribute); ok {
		return a.Path
	}
	return nil
}

func (p *PathAttributeList) Origin() uint8 {
	if a, ok := p.Get(AttrTypeOrigin).(*OriginAttribute); ok {
		return a.Value
	}
	return OriginIncomplete
}

func (p *PathAttributeList) MED() (uint32, bool) {
	if a, ok := p.Get(AttrTypeMED).(*MEDAttribute); ok {
		return a.Value, true
	}
	return 0, false
}

func (p *PathAttributeList) LocalPref() (uint32, bool) {
	if a, ok := p.Get(AttrTypeLocalPref).(*LocalPrefAttribute); ok {
		return a.Value, true
	}
	return 0, false
}

func (p *PathAttributeList) ClusterListLen() int {
	if a, ok := p.Get(AttrTypeClusterList).(*ClusterListAttribute); ok {
		return len(a.ClusterIDs)
	}
	return 0
}

// Fingerprint is the interning key: the canonical wire bytes as a string.
func (p *PathAttributeList) Fingerprint() string { return string(p.canonical) }

// SortKey orders attribute lists with the nexthop as the most significant
// component, so a pathmap lower-bound probe on a bare nexthop lands on the
// first chain carrying it.
func (p *PathAttributeList) SortKey() string {
	nh := p.nexthop.AsSlice()
	key := make([]byte, 0, len(nh)+len(p.canonical))
	key = append(key, nh...)
	key = append(key, p.canonical...)
	return string(key)
}

func (p *PathAttributeList) Equals(other *PathAttributeList) bool {
	if p == other {
		return true
	}
	if p == nil || other == nil {
		return false
	}
	return bytes.Equal(p.canonical, other.canonical)
}

// Fast returns a mutable working copy of the list.
func (p *PathAttributeList) Fast() *FastPathAttributeList {
	l := NewFastPathAttributeList()
	for _, a := range p.attrs {
		l.Add(a)
	}
	return l.Clone()
}

func (p *PathAttributeList) String() string {
	var parts []string
	for _, a := range p.attrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// SortKeyForNextHop builds the pathmap probe key used to locate the first
// chain whose attributes carry the given nexthop.
func SortKeyForNextHop(nh netip.Addr) string {
	return string(nh.AsSlice())
}
