package memory

import (
	"context"
	"time"
)

// Stats summarizes the brain for operators.
type Stats struct {
	Memories         int            `json:"memories"`
	ArchivedMemories int            `json:"archived_memories"`
	Conversations    int            `json:"conversations"`
	Errors           int            `json:"errors"`
	Users            int            `json:"users"`
	OpenGaps         int            `json:"open_gaps"`
	MemoryTypes      map[string]int `json:"memory_types"`
	SizeBytes        int64          `json:"size_bytes"`
	BrainVersion     int            `json:"brain_version"`
}

// GetStats returns aggregate counts and the database size.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{MemoryTypes: make(map[string]int)}

	counts := []struct {
		dst *int
		q   string
	}{
		{&st.Memories, `SELECT COUNT(*) FROM memories WHERE archived = 0`},
		{&st.ArchivedMemories, `SELECT COUNT(*) FROM memories WHERE archived = 1`},
		{&st.Conversations, `SELECT COUNT(*) FROM conversations`},
		{&st.Errors, `SELECT COUNT(*) FROM errors`},
		{&st.Users, `SELECT COUNT(*) FROM users`},
		{&st.OpenGaps, `SELECT COUNT(*) FROM capability_gaps WHERE status = 'open'`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.q).Scan(c.dst); err != nil {
			return nil, storageErr("stats", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM memories WHERE archived = 0 GROUP BY type`)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, storageErr("stats", err)
		}
		st.MemoryTypes[typ] = n
	}
	if err := rows.Close(); err != nil {
		return nil, storageErr("stats", err)
	}

	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err != nil {
		return nil, storageErr("stats", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, storageErr("stats", err)
	}
	st.SizeBytes = pages * pageSize

	st.BrainVersion, err = s.BrainVersion(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Export is a full JSON-serializable copy of the brain.
type Export struct {
	BrainVersion  int                 `json:"brain_version"`
	ExportedAt    time.Time           `json:"exported_at"`
	Memories      []Memory            `json:"memories"`
	Conversations []ConversationEntry `json:"conversations"`
	Errors        []ErrorRecord       `json:"errors"`
	Users         []User              `json:"users"`
	Gaps          []CapabilityGap     `json:"capability_gaps"`
}

// Export reads every table, archived memories included.
func (s *Store) Export(ctx context.Context) (*Export, error) {
	var (
		ex  = &Export{ExportedAt: s.now().UTC()}
		err error
	)
	if ex.BrainVersion, err = s.BrainVersion(ctx); err != nil {
		return nil, err
	}
	if ex.Memories, err = s.queryMemories(ctx, "export memories",
		`SELECT `+memoryColumns+` FROM memories ORDER BY id`); err != nil {
		return nil, err
	}
	if ex.Conversations, err = s.queryConversations(ctx, "export conversations",
		`SELECT id, platform, user_id, role, content, metadata, created_at FROM conversations ORDER BY id`); err != nil {
		return nil, err
	}
	if ex.Errors, err = s.queryErrors(ctx, "export errors",
		`SELECT id, tool, input, error_message, resolution, created_at FROM errors ORDER BY id`); err != nil {
		return nil, err
	}
	if ex.Users, err = s.ListUsers(ctx); err != nil {
		return nil, err
	}
	if ex.Gaps, err = s.queryGaps(ctx, "export gaps",
		`SELECT `+gapColumns+` FROM capability_gaps ORDER BY id`); err != nil {
		return nil, err
	}
	return ex, nil
}

// CleanupOptions configures Cleanup.
type CleanupOptions struct {
	// OlderThanDays is the age threshold. Zero means 90.
	OlderThanDays int
}

// CleanupResult reports what Cleanup changed.
type CleanupResult struct {
	Archived             int `json:"archived"`
	ConversationsDeleted int `json:"conversations_deleted"`
}

// Cleanup archives old memories of importance below 7 and deletes old
// conversation log rows. Important memories are never touched.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	days := opts.OlderThanDays
	if days <= 0 {
		days = 90
	}
	cutoff := formatTime(s.now().AddDate(0, 0, -days))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("cleanup", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET archived = 1
		WHERE archived = 0 AND importance < 7 AND created_at < ?`, cutoff)
	if err != nil {
		return nil, storageErr("cleanup memories", err)
	}
	archived, err := affected(res, "cleanup memories")
	if err != nil {
		return nil, err
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, storageErr("cleanup conversations", err)
	}
	deleted, err := affected(res, "cleanup conversations")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("cleanup", err)
	}
	s.logger.Info("brain cleanup complete", "archived", archived, "conversations_deleted", deleted, "cutoff", cutoff)
	return &CleanupResult{Archived: archived, ConversationsDeleted: deleted}, nil
}
