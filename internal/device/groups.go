package device

import "sync"

// GroupIndex caches the group forest used for attribute inheritance.
// Like Index, stored records are immutable and swapped on change.
type GroupIndex struct {
	mu     sync.RWMutex
	groups map[int64]*Group
}

// NewGroupIndex creates an empty group cache.
func NewGroupIndex() *GroupIndex {
	return &GroupIndex{groups: make(map[int64]*Group)}
}

// Put inserts or replaces a group.
func (g *GroupIndex) Put(group *Group) {
	if group == nil || group.ID <= 0 {
		return
	}
	rec := group.DeepCopy()
	g.mu.Lock()
	g.groups[rec.ID] = rec
	g.mu.Unlock()
}

// Remove deletes a group. Devices and child groups that still reference it
// stop their ascent there.
func (g *GroupIndex) Remove(id int64) {
	g.mu.Lock()
	delete(g.groups, id)
	g.mu.Unlock()
}

// Replace swaps the whole forest, as loaded from the store.
func (g *GroupIndex) Replace(groups []Group) {
	next := make(map[int64]*Group, len(groups))
	for i := range groups {
		next[groups[i].ID] = groups[i].DeepCopy()
	}
	g.mu.Lock()
	g.groups = next
	g.mu.Unlock()
}

// ByID returns a copy of the group.
func (g *GroupIndex) ByID(id int64) (*Group, bool) {
	g.mu.RLock()
	grp, ok := g.groups[id]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return grp.DeepCopy(), true
}

// attribute looks up a single attribute on a group without copying the
// whole record. found reports whether the group itself exists.
func (g *GroupIndex) attribute(id int64, name string) (value any, hasValue bool, parent int64, found bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	grp, ok := g.groups[id]
	if !ok {
		return nil, false, 0, false
	}
	v, has := grp.Attributes[name]
	return deepCopyValue(v), has && v != nil, grp.GroupID, true
}

// Len returns the number of cached groups.
func (g *GroupIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}
