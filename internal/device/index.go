package device

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Index holds the primary id-keyed device map and the two secondary
// indexes (uniqueId, phone).
//
// Records stored in the maps are never modified after insertion. Every
// mutation builds a new record and swaps it into all three maps under a
// single write lock, so readers never observe a half-applied update and the
// secondary indexes always agree with the primary map.
//
// A reload reads the store without holding the lock, so the index counts
// mutations and, while a reload is in flight, remembers which ids changed
// after it started. Replace keeps those ids as they are in memory.
//
// All public methods are thread-safe. Read methods return deep copies.
type Index struct {
	mu         sync.RWMutex
	byID       map[int64]*Device
	byUniqueID map[string]*Device
	byPhone    map[string]*Device

	gen     uint64
	reloads int
	touched map[int64]uint64 // id -> gen of its last mutation; only while reloads > 0
}

// NewIndex creates an empty device index.
func NewIndex() *Index {
	return &Index{
		byID:       make(map[int64]*Device),
		byUniqueID: make(map[string]*Device),
		byPhone:    make(map[string]*Device),
		touched:    make(map[int64]uint64),
	}
}

// StartReload marks the start of a reload and returns the generation to
// pass to Replace once the store snapshot is in hand. Every StartReload must
// be followed by exactly one Replace or AbortReload.
func (x *Index) StartReload() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reloads++
	return x.gen
}

// AbortReload ends a reload whose snapshot could not be loaded.
func (x *Index) AbortReload() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.endReloadLocked()
}

func (x *Index) endReloadLocked() {
	if x.reloads > 0 {
		x.reloads--
	}
	if x.reloads == 0 {
		clear(x.touched)
	}
}

// touchLocked records a mutation of id. Caller must hold x.mu.
func (x *Index) touchLocked(id int64) {
	x.gen++
	if x.reloads > 0 {
		x.touched[id] = x.gen
	}
}

// Add inserts a device into the primary map and both secondary indexes.
// Returns ErrUniqueIDTaken or ErrPhoneTaken (both wrap ErrConflict) when a key
// already belongs to another device, and ErrInvalidDevice for a missing id.
func (x *Index) Add(d *Device) error {
	if d == nil || d.ID <= 0 {
		return fmt.Errorf("%w: device id is required", ErrInvalidDevice)
	}
	rec := d.DeepCopy()

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.checkKeysLocked(rec.ID, rec.UniqueID, rec.Phone); err != nil {
		return err
	}

	// Re-adding an existing id replaces it; drop its old secondary keys first.
	if old, ok := x.byID[rec.ID]; ok {
		x.unlinkLocked(old)
	}
	x.linkLocked(rec)
	x.touchLocked(rec.ID)
	return nil
}

// ApplyUpdate replaces the mutable fields of the cached device identified by
// u.ID with the values carried in u: name, group, category, contact, model,
// disabled, attributes, uniqueId and phone. Identity (ID), status and the
// position pointer are preserved from the cached record.
//
// If uniqueId or phone change, the old index entries are removed and the new
// ones inserted in the same critical section. On conflict nothing changes.
func (x *Index) ApplyUpdate(u *Device) error {
	if u == nil {
		return ErrInvalidDevice
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	cached, ok := x.byID[u.ID]
	if !ok {
		return ErrDeviceNotFound
	}
	if err := x.checkKeysLocked(u.ID, u.UniqueID, u.Phone); err != nil {
		return err
	}

	next := cached.DeepCopy()
	next.Name = u.Name
	next.GroupID = u.GroupID
	next.Category = u.Category
	next.Contact = u.Contact
	next.Model = u.Model
	next.Disabled = u.Disabled
	next.Attributes = u.Attributes.Clone()
	next.UniqueID = u.UniqueID
	next.Phone = u.Phone

	x.unlinkLocked(cached)
	x.linkLocked(next)
	x.touchLocked(next.ID)
	return nil
}

// Remove deletes the device and both of its secondary index entries.
// Returns false if the id was not indexed. Either way a reload in flight will
// not bring the id back.
func (x *Index) Remove(id int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.touchLocked(id)
	cached, ok := x.byID[id]
	if !ok {
		return false
	}
	x.unlinkLocked(cached)
	return true
}

// SetPositionID swaps in a copy of the device pointing at a new latest
// position. Returns false if the device is not indexed.
func (x *Index) SetPositionID(id, positionID int64) bool {
	return x.swap(id, func(d *Device) {
		d.PositionID = positionID
	})
}

// SetStatus swaps in a copy of the device with a new status.
// Returns false if the device is not indexed.
func (x *Index) SetStatus(id int64, status string, lastUpdate *time.Time) bool {
	return x.swap(id, func(d *Device) {
		d.Status = status
		if lastUpdate != nil {
			t := *lastUpdate
			d.LastUpdate = &t
		}
	})
}

// swap applies fn to a copy of the cached device and stores the copy.
// fn must not touch UniqueID or Phone.
func (x *Index) swap(id int64, fn func(*Device)) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	cached, ok := x.byID[id]
	if !ok {
		return false
	}
	next := cached.DeepCopy()
	fn(next)
	x.linkLocked(next)
	x.touchLocked(id)
	return true
}

// Replace rebuilds all three maps from a device list loaded from the store
// after StartReload returned since, and ends that reload.
//
// Ids mutated after since keep their in-memory record, or stay absent if they
// were removed; the snapshot may predate those mutations. Every other id takes
// the snapshot's record. Snapshot devices whose keys collide with a record
// already placed are skipped, first occurrence wins.
//
// Returns the skipped ids and the ids that were indexed before and are gone
// now, so the caller can drop state kept for them elsewhere.
func (x *Index) Replace(devices []Device, since uint64) (skipped, dropped []int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	defer x.endReloadLocked()

	byID := make(map[int64]*Device, len(devices))
	byUniqueID := make(map[string]*Device, len(devices))
	byPhone := make(map[string]*Device)
	place := func(rec *Device) bool {
		if _, dup := byUniqueID[rec.UniqueID]; dup {
			return false
		}
		if rec.Phone != "" {
			if _, dup := byPhone[rec.Phone]; dup {
				return false
			}
			byPhone[rec.Phone] = rec
		}
		byID[rec.ID] = rec
		byUniqueID[rec.UniqueID] = rec
		return true
	}

	// Live records are consistent with each other, so these never collide.
	for id, gen := range x.touched {
		if gen <= since {
			continue
		}
		if rec, ok := x.byID[id]; ok {
			place(rec)
		}
	}
	for i := range devices {
		if x.touched[devices[i].ID] > since {
			continue
		}
		if !place(devices[i].DeepCopy()) {
			skipped = append(skipped, devices[i].ID)
		}
	}

	for id := range x.byID {
		if _, ok := byID[id]; !ok {
			dropped = append(dropped, id)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })

	x.byID = byID
	x.byUniqueID = byUniqueID
	x.byPhone = byPhone
	return skipped, dropped
}

// ByID returns a copy of the device with the given id.
func (x *Index) ByID(id int64) (*Device, bool) {
	x.mu.RLock()
	d, ok := x.byID[id]
	x.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// ByUniqueID returns a copy of the device indexed under uniqueID.
func (x *Index) ByUniqueID(uniqueID string) (*Device, bool) {
	x.mu.RLock()
	d, ok := x.byUniqueID[uniqueID]
	x.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// ByPhone returns a copy of the device indexed under phone.
func (x *Index) ByPhone(phone string) (*Device, bool) {
	if phone == "" {
		return nil, false
	}
	x.mu.RLock()
	d, ok := x.byPhone[phone]
	x.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// Contains reports whether the id is indexed without copying the record.
func (x *Index) Contains(id int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.byID[id]
	return ok
}

// IDs returns all indexed device ids in ascending order.
func (x *Index) IDs() []int64 {
	x.mu.RLock()
	ids := make([]int64, 0, len(x.byID))
	for id := range x.byID {
		ids = append(ids, id)
	}
	x.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// List returns copies of all indexed devices ordered by id.
func (x *Index) List() []Device {
	x.mu.RLock()
	devices := make([]Device, 0, len(x.byID))
	for _, d := range x.byID {
		devices = append(devices, *d.DeepCopy())
	}
	x.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Len returns the number of indexed devices.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// CheckKeys reports whether uniqueID and phone could be indexed for id
// without a conflict. It does not reserve anything.
func (x *Index) CheckKeys(id int64, uniqueID, phone string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.checkKeysLocked(id, uniqueID, phone)
}

// checkKeysLocked verifies that uniqueID and phone are free or already owned
// by id. Caller must hold x.mu.
func (x *Index) checkKeysLocked(id int64, uniqueID, phone string) error {
	if err := ValidateUniqueID(uniqueID); err != nil {
		return err
	}
	if owner, ok := x.byUniqueID[uniqueID]; ok && owner.ID != id {
		return fmt.Errorf("%w: %q belongs to device %d", ErrUniqueIDTaken, uniqueID, owner.ID)
	}
	if phone != "" {
		if owner, ok := x.byPhone[phone]; ok && owner.ID != id {
			return fmt.Errorf("%w: %q belongs to device %d", ErrPhoneTaken, phone, owner.ID)
		}
	}
	return nil
}

// linkLocked stores rec under all of its keys. Caller must hold x.mu.
func (x *Index) linkLocked(rec *Device) {
	x.byID[rec.ID] = rec
	x.byUniqueID[rec.UniqueID] = rec
	if rec.Phone != "" {
		x.byPhone[rec.Phone] = rec
	}
}

// unlinkLocked removes rec from all maps, touching secondary entries only
// when they still point at the same device. Caller must hold x.mu.
func (x *Index) unlinkLocked(rec *Device) {
	delete(x.byID, rec.ID)
	if owner, ok := x.byUniqueID[rec.UniqueID]; ok && owner.ID == rec.ID {
		delete(x.byUniqueID, rec.UniqueID)
	}
	if rec.Phone != "" {
		if owner, ok := x.byPhone[rec.Phone]; ok && owner.ID == rec.ID {
			delete(x.byPhone, rec.Phone)
		}
	}
}
