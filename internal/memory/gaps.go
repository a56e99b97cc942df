package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Capability gap statuses.
const (
	GapOpen     = "open"
	GapBuilding = "building"
	GapDone     = "done"
	GapWontFix  = "wont_fix"
)

// Capability gap priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// ErrInvalidStatus is returned by UpdateGapStatus for an unknown status.
var ErrInvalidStatus = errors.New("invalid gap status")

// CapabilityGap records a request Kiki could not satisfy.
type CapabilityGap struct {
	ID         int64      `json:"id"`
	Request    string     `json:"request"`
	Reason     string     `json:"reason,omitempty"`
	Category   string     `json:"category,omitempty"`
	Status     string     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	Priority   string     `json:"priority"`
	UserID     string     `json:"user_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// GapOptions are the optional attributes of a new gap.
type GapOptions struct {
	Reason   string
	Category string
	Priority string
	UserID   string
}

// ValidGapStatus reports whether s is a known gap status.
func ValidGapStatus(s string) bool {
	switch s {
	case GapOpen, GapBuilding, GapDone, GapWontFix:
		return true
	}
	return false
}

// NormalizePriority returns p if known and "medium" otherwise.
func NormalizePriority(p string) string {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	}
	return PriorityMedium
}

const gapColumns = `id, request, reason, category, status, resolution, priority, user_id, created_at, resolved_at`

// LogCapabilityGap records a new open gap and returns its id.
func (s *Store) LogCapabilityGap(ctx context.Context, request string, opts GapOptions) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_gaps (request, reason, category, priority, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		request, opts.Reason, opts.Category, NormalizePriority(opts.Priority), opts.UserID, s.stamp())
	if err != nil {
		return 0, storageErr("log capability gap", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("log capability gap", err)
	}
	return id, nil
}

// GetOpenGaps returns open gaps, high priority first, newest first within
// a priority.
func (s *Store) GetOpenGaps(ctx context.Context) ([]CapabilityGap, error) {
	return s.queryGaps(ctx, "open gaps", `
		SELECT `+gapColumns+` FROM capability_gaps
		WHERE status = 'open'
		ORDER BY CASE priority WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END,
			created_at DESC, id DESC`)
}

// ListGaps returns gaps newest first, optionally filtered by status.
func (s *Store) ListGaps(ctx context.Context, status string) ([]CapabilityGap, error) {
	if status == "" {
		return s.queryGaps(ctx, "list gaps",
			`SELECT `+gapColumns+` FROM capability_gaps ORDER BY created_at DESC, id DESC`)
	}
	return s.queryGaps(ctx, "list gaps",
		`SELECT `+gapColumns+` FROM capability_gaps WHERE status = ? ORDER BY created_at DESC, id DESC`, status)
}

// GetGap returns one gap.
func (s *Store) GetGap(ctx context.Context, id int64) (*CapabilityGap, error) {
	gaps, err := s.queryGaps(ctx, "get gap",
		`SELECT `+gapColumns+` FROM capability_gaps WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(gaps) == 0 {
		return nil, fmt.Errorf("gap %d: %w", id, ErrNotFound)
	}
	return &gaps[0], nil
}

// UpdateGapStatus moves a gap to status. Moving to done or wont_fix stamps
// resolved_at; any other status clears it.
func (s *Store) UpdateGapStatus(ctx context.Context, id int64, status, resolution string) error {
	if !ValidGapStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	resolvedAt := ""
	if status == GapDone || status == GapWontFix {
		resolvedAt = s.stamp()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE capability_gaps SET status = ?, resolution = ?, resolved_at = ? WHERE id = ?`,
		status, resolution, resolvedAt, id)
	if err != nil {
		return storageErr("update gap", err)
	}
	n, err := affected(res, "update gap")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("gap %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteGap removes a gap.
func (s *Store) DeleteGap(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capability_gaps WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete gap", err)
	}
	n, err := affected(res, "delete gap")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("gap %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryGaps(ctx context.Context, op, q string, args ...any) ([]CapabilityGap, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []CapabilityGap
	for rows.Next() {
		var g CapabilityGap
		var created string
		var resolved sql.NullString
		if err := rows.Scan(&g.ID, &g.Request, &g.Reason, &g.Category, &g.Status,
			&g.Resolution, &g.Priority, &g.UserID, &created, &resolved); err != nil {
			return nil, storageErr(op, err)
		}
		g.CreatedAt = parseTime(created)
		if resolved.Valid && resolved.String != "" {
			t := parseTime(resolved.String)
			g.ResolvedAt = &t
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
