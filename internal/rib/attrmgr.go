package rib

import (
	"fmt"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// AttributeManager interns canonical path-attribute lists so that equal
// bundles share one instance. It is created at startup and shared by every
// peering; refcounts govern when an interned list is released.
//
// The speaker is single-threaded (one event loop goroutine), so no locking
// is needed here.
type AttributeManager struct {
	entries map[string]*internEntry
}

type internEntry struct {
	list *bgp.PathAttributeList
	refs int
}

func NewAttributeManager() *AttributeManager {
	return &AttributeManager{entries: make(map[string]*internEntry)}
}

// Register interns the list: if an equal list is already registered its
// refcount is bumped and the shared instance returned, otherwise the given
// list is stored with refcount 1.
func (m *AttributeManager) Register(list *bgp.PathAttributeList) *bgp.PathAttributeList {
	key := list.Fingerprint()
	if e, ok := m.entries[key]; ok {
		e.refs++
		return e.list
	}
	m.entries[key] = &internEntry{list: list, refs: 1}
	return list
}

// Deregister drops one reference; the entry is released when the count
// reaches zero.
func (m *AttributeManager) Deregister(list *bgp.PathAttributeList) error {
	key := list.Fingerprint()
	e, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("attrmgr: deregister of unknown attribute list")
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, key)
	}
	return nil
}

// Refs reports the current refcount of an interned list; zero means the
// list is not interned.
func (m *AttributeManager) Refs(list *bgp.PathAttributeList) int {
	if e, ok := m.entries[list.Fingerprint()]; ok {
		return e.refs
	}
	return 0
}

// Size returns the number of distinct interned lists.
func (m *AttributeManager) Size() int { return len(m.entries) }
