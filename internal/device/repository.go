package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store defines the persistence operations the registry depends on.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Store interface {
	// LoadDevices returns every device record.
	LoadDevices(ctx context.Context) ([]Device, error)

	// LoadGroups returns every group record.
	LoadGroups(ctx context.Context) ([]Group, error)

	// LoadLatestPositions returns the position each device's PositionID
	// points at.
	LoadLatestPositions(ctx context.Context) ([]Position, error)

	// CreateDevice inserts a device and returns its assigned id.
	// Returns an error wrapping ErrConflict if the unique id or phone is taken.
	CreateDevice(ctx context.Context, d *Device) (int64, error)

	// UpdateDevice modifies the configurable fields of an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	UpdateDevice(ctx context.Context, d *Device) error

	// DeleteDevice removes a device and its positions.
	// Returns ErrDeviceNotFound if the device does not exist.
	DeleteDevice(ctx context.Context, id int64) error

	// UpdateDeviceStatus persists only status and last update time.
	UpdateDeviceStatus(ctx context.Context, d *Device) error

	// AddPosition inserts a position row and returns its new id.
	AddPosition(ctx context.Context, p *Position) (int64, error)

	// UpdateLatestPosition points the device at p.ID.
	UpdateLatestPosition(ctx context.Context, p *Position) error
}

// timeLayout keeps sub-second precision so fix time ordering survives a
// round trip through the database.
const timeLayout = time.RFC3339Nano

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const deviceColumns = `id, name, unique_id, phone, group_id, category, contact, model,
	status, disabled, last_update, position_id, attributes`

const positionColumns = `p.id, p.device_id, p.protocol, p.server_time, p.device_time, p.fix_time,
	p.valid, p.latitude, p.longitude, p.altitude, p.speed, p.course, p.accuracy,
	p.address, p.attributes`

// LoadDevices returns every device ordered by id.
func (s *SQLiteStore) LoadDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// LoadGroups returns every group ordered by id.
func (s *SQLiteStore) LoadGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, group_id, attributes FROM device_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		var parent sql.NullInt64
		var attrs string
		if err := rows.Scan(&g.ID, &g.Name, &parent, &attrs); err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		g.GroupID = parent.Int64
		if g.Attributes, err = unmarshalAttributes(attrs); err != nil {
			return nil, fmt.Errorf("group %d: %w", g.ID, err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}
	return groups, nil
}

// LoadLatestPositions returns the latest position of every device that has one.
func (s *SQLiteStore) LoadLatestPositions(ctx context.Context) ([]Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions p
		JOIN devices d ON d.position_id = p.id
		ORDER BY p.device_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying latest positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating positions: %w", err)
	}
	return positions, nil
}

// CreateDevice inserts a new device and returns its id.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) (int64, error) {
	attrs, err := marshalAttributes(d.Attributes)
	if err != nil {
		return 0, err
	}
	status := d.Status
	if status == "" {
		status = StatusUnknown
	}

	now := time.Now().UTC().Format(timeLayout)
	query := `
		INSERT INTO devices (
			name, unique_id, phone, group_id, category, contact, model,
			status, disabled, last_update, position_id, attributes,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		d.Name,
		d.UniqueID,
		nullableString(d.Phone),
		nullableID(d.GroupID),
		nullableString(d.Category),
		nullableString(d.Contact),
		nullableString(d.Model),
		status,
		boolToInt(d.Disabled),
		nullableTime(d.LastUpdate),
		attrs,
		now,
		now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: %q", ErrConflict, d.UniqueID)
		}
		return 0, fmt.Errorf("inserting device: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading device id: %w", err)
	}
	return id, nil
}

// UpdateDevice modifies an existing device's configurable fields.
func (s *SQLiteStore) UpdateDevice(ctx context.Context, d *Device) error {
	attrs, err := marshalAttributes(d.Attributes)
	if err != nil {
		return err
	}

	query := `
		UPDATE devices SET
			name = ?, unique_id = ?, phone = ?, group_id = ?, category = ?,
			contact = ?, model = ?, disabled = ?, attributes = ?, updated_at = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		d.Name,
		d.UniqueID,
		nullableString(d.Phone),
		nullableID(d.GroupID),
		nullableString(d.Category),
		nullableString(d.Contact),
		nullableString(d.Model),
		boolToInt(d.Disabled),
		attrs,
		time.Now().UTC().Format(timeLayout),
		d.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: device %d", ErrConflict, d.ID)
		}
		return fmt.Errorf("updating device: %w", err)
	}
	return expectOneRow(res)
}

// DeleteDevice removes a device by id. Positions go with it.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return expectOneRow(res)
}

// UpdateDeviceStatus persists the status and last update time.
func (s *SQLiteStore) UpdateDeviceStatus(ctx context.Context, d *Device) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, last_update = ? WHERE id = ?`,
		d.Status,
		nullableTime(d.LastUpdate),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return expectOneRow(res)
}

// AddPosition inserts a position row and returns its id.
func (s *SQLiteStore) AddPosition(ctx context.Context, p *Position) (int64, error) {
	attrs, err := marshalAttributes(p.Attributes)
	if err != nil {
		return 0, err
	}
	serverTime := p.ServerTime
	if serverTime.IsZero() {
		serverTime = time.Now().UTC()
	}

	query := `
		INSERT INTO positions (
			device_id, protocol, server_time, device_time, fix_time, valid,
			latitude, longitude, altitude, speed, course, accuracy, address, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		p.DeviceID,
		p.Protocol,
		serverTime.UTC().Format(timeLayout),
		formatTime(p.DeviceTime),
		p.FixTime.UTC().Format(timeLayout),
		boolToInt(p.Valid),
		p.Latitude,
		p.Longitude,
		p.Altitude,
		p.Speed,
		p.Course,
		p.Accuracy,
		nullableString(p.Address),
		attrs,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting position: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading position id: %w", err)
	}
	return id, nil
}

// UpdateLatestPosition points the device at p.ID.
func (s *SQLiteStore) UpdateLatestPosition(ctx context.Context, p *Position) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET position_id = ? WHERE id = ?`, p.ID, p.DeviceID)
	if err != nil {
		return fmt.Errorf("updating latest position: %w", err)
	}
	return expectOneRow(res)
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var phone, category, contact, model, lastUpdate sql.NullString
	var groupID sql.NullInt64
	var disabled int
	var attrs string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.UniqueID,
		&phone,
		&groupID,
		&category,
		&contact,
		&model,
		&d.Status,
		&disabled,
		&lastUpdate,
		&d.PositionID,
		&attrs,
	)
	if err != nil {
		return nil, err
	}

	d.Phone = phone.String
	d.GroupID = groupID.Int64
	d.Category = category.String
	d.Contact = contact.String
	d.Model = model.String
	d.Disabled = disabled != 0

	if lastUpdate.Valid {
		t, err := time.Parse(timeLayout, lastUpdate.String)
		if err == nil {
			d.LastUpdate = &t
		}
	}

	if d.Attributes, err = unmarshalAttributes(attrs); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanPosition(scanner rowScanner) (*Position, error) {
	var p Position
	var serverTime, fixTime string
	var deviceTime, address sql.NullString
	var valid int
	var attrs string

	err := scanner.Scan(
		&p.ID,
		&p.DeviceID,
		&p.Protocol,
		&serverTime,
		&deviceTime,
		&fixTime,
		&valid,
		&p.Latitude,
		&p.Longitude,
		&p.Altitude,
		&p.Speed,
		&p.Course,
		&p.Accuracy,
		&address,
		&attrs,
	)
	if err != nil {
		return nil, err
	}

	p.Valid = valid != 0
	p.Address = address.String

	if p.ServerTime, err = time.Parse(timeLayout, serverTime); err != nil {
		return nil, fmt.Errorf("parsing server_time: %w", err)
	}
	if p.FixTime, err = time.Parse(timeLayout, fixTime); err != nil {
		return nil, fmt.Errorf("parsing fix_time: %w", err)
	}
	if deviceTime.Valid {
		if p.DeviceTime, err = time.Parse(timeLayout, deviceTime.String); err != nil {
			return nil, fmt.Errorf("parsing device_time: %w", err)
		}
	}

	if p.Attributes, err = unmarshalAttributes(attrs); err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalAttributes(a Attributes) (string, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshalling attributes: %w", err)
	}
	return string(b), nil
}

func unmarshalAttributes(raw string) (Attributes, error) {
	attrs := Attributes{}
	if raw == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("unmarshalling attributes: %w", err)
	}
	return attrs, nil
}

// expectOneRow maps a zero-row update or delete to ErrDeviceNotFound.
func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// nullableString stores empty strings as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableID stores 0 references as NULL so foreign keys stay satisfied.
func nullableID(id int64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}
