package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PositionWriter is the subset of Store the position cache needs.
type PositionWriter interface {
	// AddPosition inserts a position row and returns its new id.
	AddPosition(ctx context.Context, p *Position) (int64, error)

	// UpdateLatestPosition points the device's durable record at p.ID.
	UpdateLatestPosition(ctx context.Context, p *Position) error
}

// PositionCache holds the most recent accepted position per device.
//
// Ordering rule: a position replaces the cached one only when its FixTime is
// not earlier than the cached FixTime. Equal fix times are accepted, so the
// later arrival wins a tie.
//
// Check-then-act sequences for one device run under that device's entry in
// the shared keyedMutex. The map lock itself is never held across store I/O.
type PositionCache struct {
	mu     sync.RWMutex
	latest map[int64]*Position

	store PositionWriter
	index *Index
	locks *keyedMutex
	now   func() time.Time
}

// NewPositionCache creates an empty cache that persists through store and
// keeps the PositionID of devices in index in step with accepted positions.
func NewPositionCache(store PositionWriter, index *Index) *PositionCache {
	return newPositionCache(store, index, newKeyedMutex())
}

func newPositionCache(store PositionWriter, index *Index, locks *keyedMutex) *PositionCache {
	return &PositionCache{
		latest: make(map[int64]*Position),
		store:  store,
		index:  index,
		locks:  locks,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IsLatest reports whether p would replace the cached latest position of its
// device. It is true when nothing is cached yet.
func (c *PositionCache) IsLatest(p *Position) bool {
	if p == nil {
		return false
	}
	c.mu.RLock()
	cached, ok := c.latest[p.DeviceID]
	c.mu.RUnlock()
	return !ok || !p.FixTime.Before(cached.FixTime)
}

// AcceptIfLatest persists p as the device's latest position and caches it if
// it passes the ordering rule. Stale positions return (false, nil) and touch
// nothing. A store failure returns an error wrapping ErrStore and leaves both
// the cache and the index as they were.
func (c *PositionCache) AcceptIfLatest(ctx context.Context, p *Position) (bool, error) {
	if p == nil {
		return false, ErrInvalidPosition
	}
	unlock := c.locks.Lock(p.DeviceID)
	defer unlock()

	return c.acceptLocked(ctx, p)
}

// acceptLocked is AcceptIfLatest without taking the device lock.
func (c *PositionCache) acceptLocked(ctx context.Context, p *Position) (bool, error) {
	if !c.index.Contains(p.DeviceID) {
		return false, fmt.Errorf("%w: %d", ErrDeviceNotFound, p.DeviceID)
	}
	if !c.IsLatest(p) {
		return false, nil
	}

	next := p.DeepCopy()
	if next.ServerTime.IsZero() {
		next.ServerTime = c.now()
	}

	if err := c.store.UpdateLatestPosition(ctx, next); err != nil {
		return false, fmt.Errorf("%w: updating latest position of device %d: %w", ErrStore, next.DeviceID, err)
	}

	c.index.SetPositionID(next.DeviceID, next.ID)

	c.mu.Lock()
	c.latest[next.DeviceID] = next
	c.mu.Unlock()

	// Reflect the stamp back to the caller's copy.
	p.ServerTime = next.ServerTime
	return true, nil
}

// Latest returns a copy of the cached latest position for the device.
func (c *PositionCache) Latest(deviceID int64) (*Position, bool) {
	c.mu.RLock()
	p, ok := c.latest[deviceID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.DeepCopy(), true
}

// ResetAccumulators overwrites the running totals carried on the device's
// latest position, persists the result as a new position row and makes it
// the latest. Returns ErrNoLatestPosition, without any store call, when the
// device has no cached position.
//
// The two store writes are not atomic. If the row is added but moving the
// latest pointer fails, the new row stays in the store, unreferenced, while
// the cache, the index and the durable pointer all keep the previous
// position. The error wraps ErrStore.
func (c *PositionCache) ResetAccumulators(ctx context.Context, deviceID int64, acc Accumulators) (*Position, error) {
	unlock := c.locks.Lock(deviceID)
	defer unlock()

	last, ok := c.Latest(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: device %d", ErrNoLatestPosition, deviceID)
	}

	overlay := make(Attributes, 2)
	if acc.TotalDistance != nil {
		overlay[KeyTotalDistance] = *acc.TotalDistance
	}
	if acc.Hours != nil {
		overlay[KeyHours] = *acc.Hours
	}
	last.Attributes = mergeAttributes(last.Attributes, overlay)
	last.ID = 0
	last.ServerTime = c.now()

	id, err := c.store.AddPosition(ctx, last)
	if err != nil {
		return nil, fmt.Errorf("%w: adding position for device %d: %w", ErrStore, deviceID, err)
	}
	last.ID = id

	// Same FixTime as the cached position, so the ordering rule accepts it.
	if _, err := c.acceptLocked(ctx, last); err != nil {
		return nil, err
	}
	return last.DeepCopy(), nil
}

// Seed replaces the cache contents with positions loaded from the store.
// When several positions share a device the one with the latest FixTime wins.
func (c *PositionCache) Seed(positions []Position) {
	next := make(map[int64]*Position, len(positions))
	for i := range positions {
		p := &positions[i]
		if cur, ok := next[p.DeviceID]; ok && p.FixTime.Before(cur.FixTime) {
			continue
		}
		next[p.DeviceID] = p.DeepCopy()
	}
	c.mu.Lock()
	c.latest = next
	c.mu.Unlock()
}

// Evict drops the cached position for a device.
func (c *PositionCache) Evict(deviceID int64) {
	c.mu.Lock()
	delete(c.latest, deviceID)
	c.mu.Unlock()
}

// Len returns the number of devices with a cached position.
func (c *PositionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.latest)
}
