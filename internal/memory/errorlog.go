package memory

import (
	"context"
	"fmt"
	"time"
)

// ErrorRecord is a failed tool invocation kept so later turns can avoid
// repeating the mistake.
type ErrorRecord struct {
	ID         int64     `json:"id"`
	Tool       string    `json:"tool"`
	Input      string    `json:"input"`
	Message    string    `json:"error_message"`
	Resolution string    `json:"resolution,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogError records a tool failure. input is the serialized tool input.
func (s *Store) LogError(ctx context.Context, tool, input, message string) error {
	if message == "" {
		message = "(no message)"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (tool, input, error_message, created_at) VALUES (?, ?, ?, ?)`,
		tool, input, message, s.stamp())
	if err != nil {
		return storageErr("log error", err)
	}
	return nil
}

// GetRecentErrors returns the newest error records first.
func (s *Store) GetRecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryErrors(ctx, "recent errors",
		`SELECT id, tool, input, error_message, resolution, created_at
		 FROM errors ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// GetErrorsForTool returns the ten newest errors recorded for one tool.
func (s *Store) GetErrorsForTool(ctx context.Context, tool string) ([]ErrorRecord, error) {
	return s.queryErrors(ctx, "errors for tool",
		`SELECT id, tool, input, error_message, resolution, created_at
		 FROM errors WHERE tool = ? ORDER BY created_at DESC, id DESC LIMIT 10`, tool)
}

// ResolveError attaches an operator's resolution note to an error record.
func (s *Store) ResolveError(ctx context.Context, id int64, resolution string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE errors SET resolution = ? WHERE id = ?`, resolution, id)
	if err != nil {
		return storageErr("resolve error", err)
	}
	n, err := affected(res, "resolve error")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("error record %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryErrors(ctx context.Context, op, q string, args ...any) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var e ErrorRecord
		var created string
		if err := rows.Scan(&e.ID, &e.Tool, &e.Input, &e.Message, &e.Resolution, &created); err != nil {
			return nil, storageErr(op, err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
