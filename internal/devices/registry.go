// Package devices keeps a small registry of remote machines the agent
// can execute on, backed by a sqlite file in the session state dir.
package devices

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const defaultSSHPort = 22

// Device is one remote machine reachable over SSH.
type Device struct {
	Name    string    `json:"name"`
	Host    string    `json:"host"`
	User    string    `json:"user"`
	Port    int       `json:"port"`
	AddedAt time.Time `json:"added_at"`
}

// Addr renders the device as user@host for display and ssh argv.
func (d Device) Addr() string {
	return d.User + "@" + d.Host
}

// Registry stores devices and named device groups.
type Registry struct {
	db *sql.DB
}

// Open creates or opens the registry database at path, typically
// .anvil/devices.db under the project root.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	r := &Registry{db: db}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			name TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			user TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			added_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_groups (
			name TEXT NOT NULL,
			device_name TEXT NOT NULL,
			PRIMARY KEY (name, device_name),
			FOREIGN KEY (device_name) REFERENCES devices(name) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Add registers or updates a device. Name, host, and user are required;
// port defaults to 22.
func (r *Registry) Add(ctx context.Context, d Device) error {
	if d.Name == "" || d.Host == "" || d.User == "" {
		return fmt.Errorf("device name, host, and user are required")
	}
	if d.Name == "all" {
		return fmt.Errorf("%q is a reserved target name", d.Name)
	}
	if d.Port == 0 {
		d.Port = defaultSSHPort
	}
	if d.AddedAt.IsZero() {
		d.AddedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (name, host, user, port, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET host = excluded.host,
			user = excluded.user, port = excluded.port`,
		d.Name, d.Host, d.User, d.Port, d.AddedAt)
	if err != nil {
		return fmt.Errorf("add device %s: %w", d.Name, err)
	}
	return nil
}

// Remove deletes a device and its group memberships.
func (r *Registry) Remove(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove device %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("device %s not found", name)
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM device_groups WHERE device_name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove group memberships for %s: %w", name, err)
	}
	return nil
}

// List returns all devices ordered by name.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, host, user, port, added_at FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

// Get returns one device by name.
func (r *Registry) Get(ctx context.Context, name string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT name, host, user, port, added_at FROM devices WHERE name = ?`, name)
	var d Device
	if err := row.Scan(&d.Name, &d.Host, &d.User, &d.Port, &d.AddedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device %s not found", name)
		}
		return nil, fmt.Errorf("get device %s: %w", name, err)
	}
	return &d, nil
}

// AddToGroup adds a registered device to a named group, creating the
// group implicitly.
func (r *Registry) AddToGroup(ctx context.Context, group, deviceName string) error {
	if group == "" || deviceName == "" {
		return fmt.Errorf("group and device name are required")
	}
	if group == "all" {
		return fmt.Errorf("%q is a reserved target name", group)
	}
	if _, err := r.Get(ctx, deviceName); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_groups (name, device_name) VALUES (?, ?)
		ON CONFLICT(name, device_name) DO NOTHING`, group, deviceName)
	if err != nil {
		return fmt.Errorf("add %s to group %s: %w", deviceName, group, err)
	}
	return nil
}

// RemoveFromGroup drops a single membership.
func (r *Registry) RemoveFromGroup(ctx context.Context, group, deviceName string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM device_groups WHERE name = ? AND device_name = ?`, group, deviceName)
	if err != nil {
		return fmt.Errorf("remove %s from group %s: %w", deviceName, group, err)
	}
	return nil
}

// Groups returns group names with their member device names.
func (r *Registry) Groups(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, device_name FROM device_groups ORDER BY name, device_name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := map[string][]string{}
	for rows.Next() {
		var group, device string
		if err := rows.Scan(&group, &device); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		groups[group] = append(groups[group], device)
	}
	return groups, rows.Err()
}

// Resolve expands a target into concrete devices. Accepted forms, in
// precedence order: "all" (every registered device), a registered device
// name, a group name, or a user@host[:port] literal that needs no
// registration.
func (r *Registry) Resolve(ctx context.Context, target string) ([]Device, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}

	if target == "all" {
		devices, err := r.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no devices registered")
		}
		return devices, nil
	}

	if d, err := r.Get(ctx, target); err == nil {
		return []Device{*d}, nil
	}

	if members, err := r.groupMembers(ctx, target); err != nil {
		return nil, err
	} else if len(members) > 0 {
		return members, nil
	}

	if strings.Contains(target, "@") {
		d, err := ParseTarget(target)
		if err != nil {
			return nil, err
		}
		return []Device{d}, nil
	}

	return nil, fmt.Errorf("unknown device or group %q", target)
}

func (r *Registry) groupMembers(ctx context.Context, group string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.name, d.host, d.user, d.port, d.added_at
		FROM devices d
		JOIN device_groups g ON g.device_name = d.name
		WHERE g.name = ?
		ORDER BY d.name`, group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", group, err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ParseTarget accepts a user@host or user@host:port literal that needs
// no registry entry.
func ParseTarget(target string) (Device, error) {
	user, hostport, ok := strings.Cut(target, "@")
	if !ok || user == "" || hostport == "" {
		return Device{}, fmt.Errorf("malformed target %q, want user@host[:port]", target)
	}
	host := hostport
	port := defaultSSHPort
	if h, p, found := strings.Cut(hostport, ":"); found {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Device{}, fmt.Errorf("bad port in target %q", target)
		}
		host, port = h, n
	}
	if host == "" {
		return Device{}, fmt.Errorf("malformed target %q, want user@host[:port]", target)
	}
	return Device{Name: target, Host: host, User: user, Port: port}, nil
}

func scanDevices(rows *sql.Rows) ([]Device, error) {
	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Name, &d.Host, &d.User, &d.Port, &d.AddedAt); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
