package permission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-tracker/internal/device"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/database"
)

// User is the subset of a user account the permission snapshot needs.
type User struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Administrator bool   `json:"administrator"`
	Disabled      bool   `json:"disabled"`
}

// Grant links a user to a device or a group.
type Grant struct {
	UserID   int64 `json:"userId"`
	TargetID int64 `json:"targetId"`
}

// Membership links a child (device or group) to its parent group.
type Membership struct {
	ID      int64 `json:"id"`
	GroupID int64 `json:"groupId"`
}

// Repository defines the persistence needed to build a permission snapshot
// and to maintain grants.
type Repository interface {
	LoadUsers(ctx context.Context) ([]User, error)
	LoadDeviceGrants(ctx context.Context) ([]Grant, error)
	LoadGroupGrants(ctx context.Context) ([]Grant, error)
	LoadDeviceMemberships(ctx context.Context) ([]Membership, error)
	LoadGroupParents(ctx context.Context) ([]Membership, error)
	LoadServerAttributes(ctx context.Context) (device.Attributes, error)

	CreateUser(ctx context.Context, u *User) (int64, error)
	SetDeviceGrants(ctx context.Context, userID int64, deviceIDs []int64) error
	SetGroupGrants(ctx context.Context, userID int64, groupIDs []int64) error
	UpdateServerAttributes(ctx context.Context, attrs device.Attributes) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed permission repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// LoadUsers returns every user account ordered by id.
func (r *SQLiteRepository) LoadUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, administrator, disabled FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var admin, disabled int
		if err := rows.Scan(&u.ID, &u.Name, &admin, &disabled); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		u.Administrator = admin != 0
		u.Disabled = disabled != 0
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// LoadDeviceGrants returns every user→device grant.
func (r *SQLiteRepository) LoadDeviceGrants(ctx context.Context) ([]Grant, error) {
	return r.loadPairs(ctx, "SELECT user_id, device_id FROM user_device ORDER BY user_id, device_id", "device grants")
}

// LoadGroupGrants returns every user→group grant.
func (r *SQLiteRepository) LoadGroupGrants(ctx context.Context) ([]Grant, error) {
	return r.loadPairs(ctx, "SELECT user_id, group_id FROM user_group ORDER BY user_id, group_id", "group grants")
}

// LoadDeviceMemberships returns the group of every grouped device.
func (r *SQLiteRepository) LoadDeviceMemberships(ctx context.Context) ([]Membership, error) {
	grants, err := r.loadPairs(ctx,
		"SELECT id, group_id FROM devices WHERE group_id IS NOT NULL ORDER BY id", "device memberships")
	return toMemberships(grants), err
}

// LoadGroupParents returns the parent of every nested group.
func (r *SQLiteRepository) LoadGroupParents(ctx context.Context) ([]Membership, error) {
	grants, err := r.loadPairs(ctx,
		"SELECT id, group_id FROM device_groups WHERE group_id IS NOT NULL ORDER BY id", "group parents")
	return toMemberships(grants), err
}

//nolint:dupl // one scan loop shared by four pair-shaped tables
func (r *SQLiteRepository) loadPairs(ctx context.Context, query, what string) ([]Grant, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", what, err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.UserID, &g.TargetID); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", what, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", what, err)
	}
	return out, nil
}

func toMemberships(pairs []Grant) []Membership {
	if pairs == nil {
		return nil
	}
	out := make([]Membership, len(pairs))
	for i, p := range pairs {
		out[i] = Membership{ID: p.UserID, GroupID: p.TargetID}
	}
	return out
}

// LoadServerAttributes returns the global attribute map consulted when a
// device attribute lookup falls through to server scope.
func (r *SQLiteRepository) LoadServerAttributes(ctx context.Context) (device.Attributes, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, "SELECT attributes FROM server WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Attributes{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying server attributes: %w", err)
	}

	attrs := device.Attributes{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return nil, fmt.Errorf("decoding server attributes: %w", err)
		}
	}
	return attrs, nil
}

// CreateUser inserts a user and returns its id.
func (r *SQLiteRepository) CreateUser(ctx context.Context, u *User) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO users (name, administrator, disabled) VALUES (?, ?, ?)",
		u.Name, boolToInt(u.Administrator), boolToInt(u.Disabled))
	if err != nil {
		return 0, fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading user id: %w", err)
	}
	return id, nil
}

// SetDeviceGrants replaces all device grants for a user.
// Pass an empty slice to revoke every direct device grant.
func (r *SQLiteRepository) SetDeviceGrants(ctx context.Context, userID int64, deviceIDs []int64) error {
	return r.replaceGrants(ctx, "user_device", "device_id", userID, deviceIDs)
}

// SetGroupGrants replaces all group grants for a user.
func (r *SQLiteRepository) SetGroupGrants(ctx context.Context, userID int64, groupIDs []int64) error {
	return r.replaceGrants(ctx, "user_group", "group_id", userID, groupIDs)
}

// replaceGrants rewrites a user's rows in a grant table in one transaction.
// table and column are package constants, never user input.
func (r *SQLiteRepository) replaceGrants(ctx context.Context, table, column string, userID int64, ids []int64) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", userID); err != nil { //nolint:gosec // fixed table name
			return fmt.Errorf("clearing %s: %w", table, err)
		}

		insert := "INSERT INTO " + table + " (user_id, " + column + ") VALUES (?, ?)" //nolint:gosec // fixed identifiers
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, insert, userID, id); err != nil {
				return fmt.Errorf("granting %s %d: %w", column, id, err)
			}
		}
		return nil
	})
}

// UpdateServerAttributes replaces the global attribute map.
func (r *SQLiteRepository) UpdateServerAttributes(ctx context.Context, attrs device.Attributes) error {
	if attrs == nil {
		attrs = device.Attributes{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encoding server attributes: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO server (id, attributes) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET attributes = excluded.attributes",
		string(raw)); err != nil {
		return fmt.Errorf("updating server attributes: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
