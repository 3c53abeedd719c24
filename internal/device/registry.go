package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultRefreshDelay is how long the device cache is trusted before an
// ordinary lookup reloads it from the store.
const DefaultRefreshDelay = 300 * time.Second

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Permissions is the slice of the permissions subsystem the registry uses.
type Permissions interface {
	PermissionRefresher
	ServerAttributeSource

	// DevicePermissions returns the ids of every device the user may see.
	DevicePermissions(ctx context.Context, userID int64) ([]int64, error)

	// IsAdmin reports whether the user is an administrator.
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// Sink receives every accepted position for live distribution, and every
// device removal so live views drop the device. Implementations must not
// block for long; delivery is best effort.
type Sink interface {
	PublishPosition(ctx context.Context, d Device, p Position)
	RemoveDevice(ctx context.Context, id int64)
}

// Metrics receives registry events. The zero-cost default discards them.
type Metrics interface {
	PositionAccepted()
	PositionStale()
	PositionFailed()
	DeviceProvisioned()
	ProvisionRejected()
	CacheRefreshed(devices int)
}

type noopMetrics struct{}

func (noopMetrics) PositionAccepted()  {}
func (noopMetrics) PositionStale()     {}
func (noopMetrics) PositionFailed()    {}
func (noopMetrics) DeviceProvisioned() {}
func (noopMetrics) ProvisionRejected() {}
func (noopMetrics) CacheRefreshed(int) {}

// Settings tunes registry behaviour.
type Settings struct {
	// RefreshDelay is the device cache staleness window. Zero means
	// DefaultRefreshDelay.
	RefreshDelay time.Duration

	// LookupGroupsAttribute enables the group ascent during attribute
	// resolution.
	LookupGroupsAttribute bool

	// IgnoreUnknown suppresses the forced cache reload on an Identify miss.
	IgnoreUnknown bool

	// RegisterUnknown enables automatic provisioning of unseen devices.
	RegisterUnknown bool

	// Provision holds defaults for provisioned devices.
	Provision ProvisionDefaults
}

// RegistryOptions wires a Registry to its collaborators. Only Store is
// required.
type RegistryOptions struct {
	Store       Store
	Permissions Permissions
	Config      ConfigLookup
	Authorizer  Authorizer
	Sink        Sink
	Metrics     Metrics
	Settings    Settings
}

// Registry provides device identity, latest positions, attribute resolution
// and provisioning over a Store, with in-memory caching and thread safety.
//
// The caches are populated on startup via Load() and kept in sync by the
// mutating methods. Device-scoped mutations are serialized per device id.
//
// All public methods are thread-safe.
type Registry struct {
	store    Store
	perms    Permissions
	sink     Sink
	metrics  Metrics
	settings Settings

	locks       *keyedMutex
	index       *Index
	groups      *GroupIndex
	positions   *PositionCache
	states      *StateStore
	resolver    *AttributeResolver
	provisioner *Provisioner

	// lastRefresh is the unix-nano time of the last device cache reload.
	lastRefresh atomic.Int64

	logger Logger
	now    func() time.Time
}

// NewRegistry creates a new device registry.
// The store is used for persistence; the registry adds caching.
func NewRegistry(opts RegistryOptions) *Registry {
	settings := opts.Settings
	if settings.RefreshDelay <= 0 {
		settings.RefreshDelay = DefaultRefreshDelay
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	r := &Registry{
		store:    opts.Store,
		perms:    opts.Permissions,
		sink:     opts.Sink,
		metrics:  metrics,
		settings: settings,
		locks:    newKeyedMutex(),
		index:    NewIndex(),
		groups:   NewGroupIndex(),
		states:   NewStateStore(),
		logger:   noopLogger{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	r.positions = newPositionCache(opts.Store, r.index, r.locks)

	var server ServerAttributeSource
	var refresher PermissionRefresher
	if opts.Permissions != nil {
		server = opts.Permissions
		refresher = opts.Permissions
	}
	r.resolver = NewAttributeResolver(r.index, r.groups, opts.Config, server, settings.LookupGroupsAttribute)
	r.provisioner = NewProvisioner(opts.Store, r.index, refresher, opts.Authorizer, settings.Provision)

	return r
}

// SetLogger sets the logger for the registry and its provisioner.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
	r.provisioner.SetLogger(logger)
}

// Load populates every cache from the store. It should be called on
// application startup.
func (r *Registry) Load(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}
	r.lastRefresh.Store(r.now().UnixNano())

	positions, err := r.store.LoadLatestPositions(ctx)
	if err != nil {
		return fmt.Errorf("%w: loading latest positions: %w", ErrStore, err)
	}
	r.positions.Seed(positions)

	r.logger.Info("device registry loaded",
		"devices", r.index.Len(),
		"groups", r.groups.Len(),
		"positions", r.positions.Len(),
	)
	return nil
}

// RefreshCache reloads devices and groups when the cache is older than the
// refresh delay, or unconditionally when force is set. Concurrent callers
// race on the refresh marker and only the winner reloads.
func (r *Registry) RefreshCache(ctx context.Context, force bool) error {
	last := r.lastRefresh.Load()
	now := r.now().UnixNano()
	if !force && time.Duration(now-last) <= r.settings.RefreshDelay {
		return nil
	}
	if !r.lastRefresh.CompareAndSwap(last, now) {
		return nil
	}
	return r.reload(ctx)
}

// reload refreshes the device and group caches from the store. Devices
// mutated through the registry while the store was being read keep their
// in-memory record.
func (r *Registry) reload(ctx context.Context) error {
	since := r.index.StartReload()

	groups, err := r.store.LoadGroups(ctx)
	if err != nil {
		r.index.AbortReload()
		return fmt.Errorf("%w: loading groups: %w", ErrStore, err)
	}
	devices, err := r.store.LoadDevices(ctx)
	if err != nil {
		r.index.AbortReload()
		return fmt.Errorf("%w: loading devices: %w", ErrStore, err)
	}

	r.groups.Replace(groups)
	skipped, dropped := r.index.Replace(devices, since)
	if len(skipped) > 0 {
		r.logger.Warn("devices with duplicate keys not indexed", "ids", skipped)
	}

	// Devices deleted behind our back lose their cached position and state.
	for _, id := range dropped {
		r.positions.Evict(id)
		r.states.Evict(id)
	}

	r.metrics.CacheRefreshed(r.index.Len())
	r.logger.Debug("device cache refreshed", "devices", r.index.Len(), "groups", len(groups))
	return nil
}

// Identify resolves a wire identifier to a device. On a miss it forces a
// cache reload (unless unknown devices are ignored) and then, if enabled and
// authorized, provisions a new device. The returned device is a deep copy.
func (r *Registry) Identify(ctx context.Context, uniqueID string) (*Device, bool) {
	if d, ok := r.index.ByUniqueID(uniqueID); ok {
		r.refreshQuietly(ctx, false)
		return d, true
	}

	if !r.settings.IgnoreUnknown {
		r.refreshQuietly(ctx, true)
		if d, ok := r.index.ByUniqueID(uniqueID); ok {
			return d, true
		}
	}

	if !r.settings.RegisterUnknown {
		return nil, false
	}
	if !r.provisioner.CanCreateUnknownDevice(ctx, uniqueID) {
		r.metrics.ProvisionRejected()
		r.logger.Info("unknown device rejected", "unique_id", uniqueID)
		return nil, false
	}

	id := r.provisioner.Provision(ctx, uniqueID)
	if id == 0 {
		r.metrics.ProvisionRejected()
		return nil, false
	}
	r.metrics.DeviceProvisioned()
	return r.index.ByID(id)
}

func (r *Registry) refreshQuietly(ctx context.Context, force bool) {
	if err := r.RefreshCache(ctx, force); err != nil {
		r.logger.Warn("device cache refresh failed", "error", err)
	}
}

// ByPhone returns a copy of the device registered under phone.
func (r *Registry) ByPhone(phone string) (*Device, bool) {
	return r.index.ByPhone(phone)
}

// Device returns a copy of the device with the given id.
func (r *Registry) Device(id int64) (*Device, bool) {
	return r.index.ByID(id)
}

// Devices returns copies of every cached device ordered by id. An empty
// cache is reloaded first.
func (r *Registry) Devices(ctx context.Context) []Device {
	if r.index.Len() == 0 {
		r.refreshQuietly(ctx, true)
	}
	return r.index.List()
}

// AcceptPosition makes p the device's latest position if it is not older than
// the cached one, then publishes it to the live sink. Stale positions return
// (false, nil). Store failures return an error wrapping ErrStore and leave the
// cache untouched.
//
// p should already be persisted (p.ID set); this only moves the pointer.
func (r *Registry) AcceptPosition(ctx context.Context, p *Position) (bool, error) {
	if err := ValidatePosition(p); err != nil {
		return false, err
	}

	accepted, err := r.positions.AcceptIfLatest(ctx, p)
	if err != nil {
		r.metrics.PositionFailed()
		return false, err
	}
	if !accepted {
		r.metrics.PositionStale()
		r.logger.Debug("stale position ignored",
			"device_id", p.DeviceID,
			"fix_time", p.FixTime,
		)
		return false, nil
	}

	r.metrics.PositionAccepted()
	r.publish(ctx, p)
	return true, nil
}

func (r *Registry) publish(ctx context.Context, p *Position) {
	if r.sink == nil {
		return
	}
	d, ok := r.index.ByID(p.DeviceID)
	if !ok {
		return
	}
	r.sink.PublishPosition(ctx, *d, *p.DeepCopy())
}

// LatestPosition returns a copy of the device's cached latest position.
func (r *Registry) LatestPosition(deviceID int64) (*Position, bool) {
	return r.positions.Latest(deviceID)
}

// UserDevices returns the ids of the devices a user may see, ascending.
// Administrators see every cached device; other users see the devices they
// are granted that are cached and not disabled.
func (r *Registry) UserDevices(ctx context.Context, userID int64) ([]int64, error) {
	if r.perms == nil {
		return nil, nil
	}

	admin, err := r.perms.IsAdmin(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking admin for user %d: %w", userID, err)
	}
	if admin {
		return r.index.IDs(), nil
	}

	granted, err := r.perms.DevicePermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading device permissions for user %d: %w", userID, err)
	}

	ids := make([]int64, 0, len(granted))
	for _, id := range granted {
		d, ok := r.index.ByID(id)
		if ok && !d.Disabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// InitialSnapshot returns the latest known position of every device the user
// may see. Devices without a position are left out.
func (r *Registry) InitialSnapshot(ctx context.Context, userID int64) ([]Position, error) {
	ids, err := r.UserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	snapshot := make([]Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.positions.Latest(id); ok {
			snapshot = append(snapshot, *p)
		}
	}
	return snapshot, nil
}

// ResolveAttribute returns the raw value of name for the device along the
// device → group → config/server chain.
func (r *Registry) ResolveAttribute(deviceID int64, name string, lookupConfig bool) (any, bool, error) {
	return r.resolver.Resolve(deviceID, name, lookupConfig)
}

// AttributeBool resolves name as a boolean.
func (r *Registry) AttributeBool(deviceID int64, name string, def, lookupConfig bool) (bool, error) {
	return r.resolver.Bool(deviceID, name, def, lookupConfig)
}

// AttributeString resolves name as a string.
func (r *Registry) AttributeString(deviceID int64, name, def string, lookupConfig bool) (string, error) {
	return r.resolver.String(deviceID, name, def, lookupConfig)
}

// AttributeInt resolves name as an int.
func (r *Registry) AttributeInt(deviceID int64, name string, def int, lookupConfig bool) (int, error) {
	return r.resolver.Int(deviceID, name, def, lookupConfig)
}

// AttributeInt64 resolves name as an int64.
func (r *Registry) AttributeInt64(deviceID int64, name string, def int64, lookupConfig bool) (int64, error) {
	return r.resolver.Int64(deviceID, name, def, lookupConfig)
}

// AttributeFloat64 resolves name as a float64.
func (r *Registry) AttributeFloat64(deviceID int64, name string, def float64, lookupConfig bool) (float64, error) {
	return r.resolver.Float64(deviceID, name, def, lookupConfig)
}

// DeviceState returns a copy of the device's transient state, creating it on
// first access.
func (r *Registry) DeviceState(deviceID int64) DeviceState {
	return r.states.Get(deviceID)
}

// SetDeviceState replaces the device's transient state.
func (r *Registry) SetDeviceState(deviceID int64, state DeviceState) {
	r.states.Set(deviceID, state)
}

// ResetAccumulators overwrites totalDistance and/or hours on the device's
// latest position, stores the result as a new position and publishes it.
// Returns ErrNoLatestPosition if the device has never reported.
func (r *Registry) ResetAccumulators(ctx context.Context, deviceID int64, acc Accumulators) (*Position, error) {
	p, err := r.positions.ResetAccumulators(ctx, deviceID, acc)
	if err != nil {
		return nil, err
	}
	r.logger.Info("device accumulators reset", "device_id", deviceID, "position_id", p.ID)
	r.publish(ctx, p)
	return p, nil
}

// AddDevice validates, persists and indexes a new device. The store assigns
// the id; the returned copy carries it.
func (r *Registry) AddDevice(ctx context.Context, d *Device) (*Device, error) {
	if err := ValidateDevice(d); err != nil {
		return nil, err
	}
	if err := r.index.CheckKeys(0, d.UniqueID, d.Phone); err != nil {
		return nil, err
	}

	rec := d.DeepCopy()
	if rec.Status == "" {
		rec.Status = StatusUnknown
	}
	id, err := r.store.CreateDevice(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: creating device: %w", ErrStore, err)
	}
	rec.ID = id
	rec.PositionID = 0

	if err := r.index.Add(rec); err != nil {
		return nil, err
	}

	r.logger.Info("device created", "id", rec.ID, "unique_id", rec.UniqueID)
	return rec.DeepCopy(), nil
}

// UpdateDevice applies the configurable fields of d to the device with id
// d.ID. A change of uniqueId or phone moves the secondary index entries
// atomically. Conflicts are detected before the store is touched.
func (r *Registry) UpdateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}

	unlock := r.locks.Lock(d.ID)
	defer unlock()

	if !r.index.Contains(d.ID) {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, d.ID)
	}
	if err := r.index.CheckKeys(d.ID, d.UniqueID, d.Phone); err != nil {
		return err
	}

	if err := r.store.UpdateDevice(ctx, d); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrDeviceNotFound) {
			return err
		}
		return fmt.Errorf("%w: updating device %d: %w", ErrStore, d.ID, err)
	}

	if err := r.index.ApplyUpdate(d); err != nil {
		// The store accepted what the index refused; reload to converge.
		r.logger.Error("index rejected persisted update", "id", d.ID, "error", err)
		r.refreshQuietly(ctx, true)
		return err
	}

	r.logger.Info("device updated", "id", d.ID, "unique_id", d.UniqueID)
	return nil
}

// RemoveDevice deletes the device from the store and evicts every trace of it
// from the caches.
func (r *Registry) RemoveDevice(ctx context.Context, id int64) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := r.store.DeleteDevice(ctx, id); err != nil {
		if !errors.Is(err, ErrDeviceNotFound) {
			return fmt.Errorf("%w: deleting device %d: %w", ErrStore, id, err)
		}
		if !r.index.Contains(id) {
			return err
		}
		// Already gone from the store; still purge the caches below.
	}

	r.index.Remove(id)
	r.positions.Evict(id)
	r.states.Evict(id)
	if r.sink != nil {
		r.sink.RemoveDevice(ctx, id)
	}

	r.logger.Info("device deleted", "id", id)
	return nil
}

// UpdateDeviceStatus persists a new status and last update time, then swaps
// them into the cached record.
func (r *Registry) UpdateDeviceStatus(ctx context.Context, id int64, status string, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}
	rec := &Device{ID: id, Status: status, LastUpdate: &at}

	if err := r.store.UpdateDeviceStatus(ctx, rec); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return err
		}
		return fmt.Errorf("%w: updating status of device %d: %w", ErrStore, id, err)
	}
	r.index.SetStatus(id, status, &at)

	r.logger.Debug("device status updated", "id", id, "status", status)
	return nil
}

// PutGroup inserts or replaces a cached group.
func (r *Registry) PutGroup(g *Group) {
	r.groups.Put(g)
}

// RemoveGroup drops a cached group.
func (r *Registry) RemoveGroup(id int64) {
	r.groups.Remove(id)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	Devices   int
	Groups    int
	Positions int
	States    int
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	return Stats{
		Devices:   r.index.Len(),
		Groups:    r.groups.Len(),
		Positions: r.positions.Len(),
		States:    r.states.Len(),
	}
}
