package permission

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/gray-logic-tracker/internal/device"
)

// maxGroupDepth bounds the ancestor walk when expanding group grants.
const maxGroupDepth = 64

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager serves permission lookups from an in-memory snapshot rebuilt
// from the Repository. It implements device.Permissions.
type Manager struct {
	repo Repository

	mu      sync.RWMutex
	users   map[int64]User
	devices map[int64][]int64 // user id -> sorted visible device ids
	server  device.Attributes

	logger Logger
}

// NewManager creates a permission manager with an empty snapshot.
// Call Load before serving lookups.
func NewManager(repo Repository) *Manager {
	return &Manager{
		repo:    repo,
		users:   make(map[int64]User),
		devices: make(map[int64][]int64),
		server:  device.Attributes{},
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Load builds the full snapshot: grants, memberships and server attributes.
func (m *Manager) Load(ctx context.Context) error {
	if err := m.RefreshDeviceAndGroupPermissions(ctx); err != nil {
		return err
	}
	return m.RefreshAllExtendedPermissions(ctx)
}

// RefreshDeviceAndGroupPermissions reloads users, grants and the group
// forest and recomputes every user's visible device set.
func (m *Manager) RefreshDeviceAndGroupPermissions(ctx context.Context) error {
	users, err := m.repo.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	deviceGrants, err := m.repo.LoadDeviceGrants(ctx)
	if err != nil {
		return fmt.Errorf("loading device grants: %w", err)
	}
	groupGrants, err := m.repo.LoadGroupGrants(ctx)
	if err != nil {
		return fmt.Errorf("loading group grants: %w", err)
	}
	memberships, err := m.repo.LoadDeviceMemberships(ctx)
	if err != nil {
		return fmt.Errorf("loading device memberships: %w", err)
	}
	parents, err := m.repo.LoadGroupParents(ctx)
	if err != nil {
		return fmt.Errorf("loading group parents: %w", err)
	}

	byUser := make(map[int64]User, len(users))
	for _, u := range users {
		byUser[u.ID] = u
	}
	visible := expand(deviceGrants, groupGrants, memberships, parents, m.logger)

	m.mu.Lock()
	m.users = byUser
	m.devices = visible
	m.mu.Unlock()

	m.logger.Debug("permissions refreshed", "users", len(byUser), "grantees", len(visible))
	return nil
}

// RefreshAllExtendedPermissions reloads the server attributes.
func (m *Manager) RefreshAllExtendedPermissions(ctx context.Context) error {
	attrs, err := m.repo.LoadServerAttributes(ctx)
	if err != nil {
		return fmt.Errorf("loading server attributes: %w", err)
	}
	m.mu.Lock()
	m.server = attrs
	m.mu.Unlock()
	return nil
}

// DevicePermissions returns the sorted ids of the devices a user may see
// through direct or group grants. Unknown and disabled users get none.
func (m *Manager) DevicePermissions(_ context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok || u.Disabled {
		return []int64{}, nil
	}
	return slices.Clone(m.devices[userID]), nil
}

// IsAdmin reports whether the user is an enabled administrator.
func (m *Manager) IsAdmin(_ context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	return ok && u.Administrator && !u.Disabled, nil
}

// ServerAttributes returns a copy of the global attribute map.
func (m *Manager) ServerAttributes() device.Attributes {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.server.Clone()
}

// expand resolves grants to per-user device sets. A group grant covers the
// devices of that group and of every group below it.
func expand(deviceGrants, groupGrants []Grant, memberships, parents []Membership, logger Logger) map[int64][]int64 {
	parentOf := make(map[int64]int64, len(parents))
	for _, p := range parents {
		parentOf[p.ID] = p.GroupID
	}

	sets := make(map[int64]map[int64]struct{})
	add := func(userID, deviceID int64) {
		s, ok := sets[userID]
		if !ok {
			s = make(map[int64]struct{})
			sets[userID] = s
		}
		s[deviceID] = struct{}{}
	}

	for _, g := range deviceGrants {
		add(g.UserID, g.TargetID)
	}

	if len(groupGrants) > 0 {
		grantees := make(map[int64][]int64) // group id -> users granted it
		for _, g := range groupGrants {
			grantees[g.TargetID] = append(grantees[g.TargetID], g.UserID)
		}
		for _, mem := range memberships {
			for _, groupID := range ancestors(mem.GroupID, parentOf, logger) {
				for _, userID := range grantees[groupID] {
					add(userID, mem.ID)
				}
			}
		}
	}

	out := make(map[int64][]int64, len(sets))
	for userID, s := range sets {
		ids := make([]int64, 0, len(s))
		for id := range s {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		out[userID] = ids
	}
	return out
}

// ancestors returns groupID followed by its parents up to the root.
// A loop or an over-deep chain truncates the walk.
func ancestors(groupID int64, parentOf map[int64]int64, logger Logger) []int64 {
	var chain []int64
	seen := make(map[int64]struct{})
	for id := groupID; id > 0; id = parentOf[id] {
		if _, dup := seen[id]; dup || len(chain) >= maxGroupDepth {
			logger.Warn("group hierarchy cycle truncated", "group_id", groupID)
			break
		}
		seen[id] = struct{}{}
		chain = append(chain, id)
	}
	return chain
}
