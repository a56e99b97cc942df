package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User roles.
const (
	UserRoleAdmin = "admin"
	UserRoleUser  = "user"
)

// User is a person Kiki has talked to, identified per platform
// (for example "telegram:12345" or "phone:+15551234567").
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// UserOptions are the attributes supplied on upsert.
type UserOptions struct {
	Name     string
	Platform string
	Role     string
}

// UpsertUser inserts the user if absent. For an existing user the stored
// name is kept unless a non-empty name is supplied, and last_seen is
// always refreshed. Platform and role are only set on insert.
func (s *Store) UpsertUser(ctx context.Context, id string, opts UserOptions) error {
	role := opts.Role
	if role != UserRoleAdmin {
		role = UserRoleUser
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, platform, role, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), users.name),
			last_seen = excluded.last_seen`,
		id, opts.Name, opts.Platform, role, now, now)
	if err != nil {
		return storageErr("upsert user", err)
	}
	return nil
}

// GetUser returns one user.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, platform, role, created_at, last_seen FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return u, nil
}

// ListUsers returns every user, most recently seen first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, platform, role, created_at, last_seen FROM users ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storageErr("list users", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list users", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*User, error) {
	var u User
	var created, seen string
	if err := r.Scan(&u.ID, &u.Name, &u.Platform, &u.Role, &created, &seen); err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	u.LastSeen = parseTime(seen)
	return &u, nil
}
