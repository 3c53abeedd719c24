package device

import (
	"context"
	"strings"

	"golang.org/x/sync/singleflight"
)

// DeviceCreator persists a new device and returns its assigned id.
type DeviceCreator interface {
	CreateDevice(ctx context.Context, d *Device) (int64, error)
}

// PermissionRefresher reloads permission snapshots after a device joins a group.
type PermissionRefresher interface {
	RefreshDeviceAndGroupPermissions(ctx context.Context) error
	RefreshAllExtendedPermissions(ctx context.Context) error
}

// ProvisionDefaults are applied to automatically created devices.
type ProvisionDefaults struct {
	Category string
	GroupID  int64
}

// Provisioner creates device records for identifiers seen on the wire that
// are not yet registered. Concurrent calls for the same identifier share a
// single creation.
type Provisioner struct {
	store      DeviceCreator
	index      *Index
	perms      PermissionRefresher
	authorizer Authorizer
	defaults   ProvisionDefaults
	flights    singleflight.Group
	logger     Logger
}

// NewProvisioner creates a provisioner. perms and authorizer may be nil; a nil
// authorizer denies every request.
func NewProvisioner(store DeviceCreator, index *Index, perms PermissionRefresher, authorizer Authorizer, defaults ProvisionDefaults) *Provisioner {
	return &Provisioner{
		store:      store,
		index:      index,
		perms:      perms,
		authorizer: authorizer,
		defaults:   defaults,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the provisioner.
func (p *Provisioner) SetLogger(logger Logger) {
	p.logger = logger
}

// CanCreateUnknownDevice asks the authorizer whether uniqueID may be
// provisioned. Without an authorizer the answer is no.
func (p *Provisioner) CanCreateUnknownDevice(ctx context.Context, uniqueID string) bool {
	if p.authorizer == nil {
		return false
	}
	return p.authorizer.CanCreate(ctx, uniqueID)
}

// Provision creates and indexes a device for uniqueID and returns its id.
// Any failure is logged and reported as 0.
func (p *Provisioner) Provision(ctx context.Context, uniqueID string) int64 {
	v, _, _ := p.flights.Do(uniqueID, func() (any, error) {
		return p.provision(ctx, uniqueID), nil
	})
	id, _ := v.(int64)
	return id
}

func (p *Provisioner) provision(ctx context.Context, uniqueID string) int64 {
	// A flight that finished just before this one may already have created it.
	if d, ok := p.index.ByUniqueID(uniqueID); ok {
		return d.ID
	}

	d := &Device{
		Name:     uniqueID,
		UniqueID: uniqueID,
		Category: strings.TrimSpace(p.defaults.Category),
		GroupID:  p.defaults.GroupID,
		Status:   StatusUnknown,
	}
	if err := ValidateDevice(d); err != nil {
		p.logger.Warn("refusing to provision device", "unique_id", uniqueID, "error", err)
		return 0
	}

	id, err := p.store.CreateDevice(ctx, d)
	if err != nil {
		p.logger.Error("provisioning device failed", "unique_id", uniqueID, "error", err)
		return 0
	}
	d.ID = id

	if err := p.index.Add(d); err != nil {
		p.logger.Error("indexing provisioned device failed", "unique_id", uniqueID, "id", id, "error", err)
		return 0
	}

	if d.GroupID != 0 && p.perms != nil {
		if err := p.perms.RefreshDeviceAndGroupPermissions(ctx); err != nil {
			p.logger.Error("refreshing permissions after provisioning failed", "id", id, "error", err)
			return 0
		}
		if err := p.perms.RefreshAllExtendedPermissions(ctx); err != nil {
			p.logger.Error("refreshing extended permissions after provisioning failed", "id", id, "error", err)
			return 0
		}
	}

	p.logger.Info("device provisioned", "id", id, "unique_id", uniqueID, "group_id", d.GroupID)
	return id
}
