package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Memory types.
const (
	TypeFact       = "fact"
	TypePreference = "preference"
	TypeCorrection = "correction"
	TypeError      = "error"
	TypePerson     = "person"
	TypeTask       = "task"
)

// Types lists every valid memory type.
var Types = []string{TypeFact, TypePreference, TypeCorrection, TypeError, TypePerson, TypeTask}

// DefaultImportance is used when no importance is given.
const DefaultImportance = 5

// DefaultSearchLimit caps SearchMemories when no limit is given.
const DefaultSearchLimit = 20

// Memory is one remembered item.
type Memory struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Importance int       `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Archived   bool      `json:"archived"`
}

// MemoryOptions are the optional attributes of a new memory.
type MemoryOptions struct {
	Tags       []string
	Source     string
	UserID     string
	Importance int
}

// SearchOptions narrow SearchMemories.
type SearchOptions struct {
	Type            string
	UserID          string
	Limit           int
	IncludeArchived bool
}

// NormalizeType returns t if it is a known memory type and "fact" otherwise.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if slices.Contains(Types, t) {
		return t
	}
	return TypeFact
}

// ClampImportance maps any integer onto 1..10. Zero means unset and
// becomes DefaultImportance.
func ClampImportance(n int) int {
	switch {
	case n == 0:
		return DefaultImportance
	case n < 1:
		return 1
	case n > 10:
		return 10
	}
	return n
}

// NormalizeTags trims, lower-cases, de-duplicates and sorts tags. Commas
// inside a tag split it, since tags are stored comma-joined.
func NormalizeTags(tags []string) []string {
	var out []string
	for _, raw := range tags {
		for _, t := range strings.Split(raw, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" && !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	slices.Sort(out)
	return out
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// likePattern builds a LIKE pattern matching q anywhere, with LIKE
// metacharacters in q taken literally.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// SaveMemory stores a new memory and returns its id.
func (s *Store) SaveMemory(ctx context.Context, typ, content string, opts MemoryOptions) (int64, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (type, content, tags, source, user_id, importance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		NormalizeType(typ),
		strings.TrimSpace(content),
		strings.Join(NormalizeTags(opts.Tags), ","),
		opts.Source,
		opts.UserID,
		ClampImportance(opts.Importance),
		now, now,
	)
	if err != nil {
		return 0, storageErr("save memory", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("save memory", err)
	}
	return id, nil
}

const memoryColumns = `id, type, content, tags, source, user_id, importance, created_at, updated_at, archived`

// SearchMemories returns memories whose content or tags contain query,
// most important first and, within equal importance, most recently
// updated first. An empty query matches everything. Archived memories
// are excluded unless IncludeArchived is set.
func (s *Store) SearchMemories(ctx context.Context, query string, opts SearchOptions) ([]Memory, error) {
	where, args := memoryFilter(query, opts)

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := `SELECT ` + memoryColumns + ` FROM memories`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY importance DESC, updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return s.queryMemories(ctx, "search memories", q, args...)
}

// memoryFilter builds the WHERE clause shared by search and archive.
func memoryFilter(query string, opts SearchOptions) (string, []any) {
	var where []string
	var args []any

	if !opts.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if opts.Type != "" {
		where = append(where, "type = ?")
		args = append(args, NormalizeType(opts.Type))
	}
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if q := strings.TrimSpace(query); q != "" {
		where = append(where, `(content LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')`)
		p := likePattern(q)
		args = append(args, p, p)
	}
	return strings.Join(where, " AND "), args
}

// RecentMemories returns the newest unarchived memories.
func (s *Store) RecentMemories(ctx context.Context, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryMemories(ctx, "recent memories",
		`SELECT `+memoryColumns+` FROM memories WHERE archived = 0
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// GetMemory returns one memory by id, archived or not.
func (s *Store) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	ms, err := s.queryMemories(ctx, "get memory",
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	return &ms[0], nil
}

func (s *Store) queryMemories(ctx context.Context, op, q string, args ...any) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var (
			m                Memory
			tags             string
			created, updated string
			archived         int
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &tags, &m.Source, &m.UserID,
			&m.Importance, &created, &updated, &archived); err != nil {
			return nil, storageErr(op, err)
		}
		m.Tags = splitTags(tags)
		m.CreatedAt = parseTime(created)
		m.UpdatedAt = parseTime(updated)
		m.Archived = archived != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// UpdateMemory replaces a memory's content and refreshes updated_at.
func (s *Store) UpdateMemory(ctx context.Context, id int64, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET content = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(content), s.stamp(), id)
	if err != nil {
		return storageErr("update memory", err)
	}
	n, err := affected(res, "update memory")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveMemory hides a memory from default search and context injection.
func (s *Store) ArchiveMemory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return storageErr("archive memory", err)
	}
	n, err := affected(res, "archive memory")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveMemoriesByQuery archives every unarchived memory that
// SearchMemories(query) would match, regardless of the search limit, and
// reports how many were archived. Nothing is deleted. A blank query
// archives nothing.
func (s *Store) ArchiveMemoriesByQuery(ctx context.Context, query string) (int, error) {
	if strings.TrimSpace(query) == "" {
		return 0, nil
	}
	where, args := memoryFilter(query, SearchOptions{})
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET archived = 1 WHERE `+where, args...)
	if err != nil {
		return 0, storageErr("archive memories", err)
	}
	return affected(res, "archive memories")
}

// PurgeArchived permanently deletes archived memories and returns the
// number removed. Unarchived memories are never touched.
func (s *Store) PurgeArchived(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE archived = 1`)
	if err != nil {
		return 0, storageErr("purge archived", err)
	}
	return affected(res, "purge archived")
}

