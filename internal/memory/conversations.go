package memory

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationEntry is one logged inbound or outbound message.
type ConversationEntry struct {
	ID        int64          `json:"id"`
	Platform  string         `json:"platform"`
	UserID    string         `json:"user_id,omitempty"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogOptions are the optional attributes of a conversation entry.
type LogOptions struct {
	UserID   string
	Metadata map[string]any
}

func normalizeRole(r string) string {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r
	}
	return RoleSystem
}

// LogConversation appends one message to the conversation log.
func (s *Store) LogConversation(ctx context.Context, platform, role, content string, opts LogOptions) error {
	meta := "{}"
	if len(opts.Metadata) > 0 {
		if b, err := json.Marshal(opts.Metadata); err == nil {
			meta = string(b)
		} else {
			s.logger.Warn("dropping unencodable conversation metadata", "error", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (platform, user_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		platform, opts.UserID, normalizeRole(role), content, meta, s.stamp())
	if err != nil {
		return storageErr("log conversation", err)
	}
	return nil
}

// GetHistory returns the latest limit messages exchanged with a user on a
// platform, oldest first.
func (s *Store) GetHistory(ctx context.Context, platform, userID string, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := s.queryConversations(ctx, "get history", `
		SELECT id, platform, user_id, role, content, metadata, created_at
		FROM conversations
		WHERE platform = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, platform, userID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// RecentConversations returns the latest limit messages across all users,
// oldest first.
func (s *Store) RecentConversations(ctx context.Context, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.queryConversations(ctx, "recent conversations", `
		SELECT id, platform, user_id, role, content, metadata, created_at
		FROM conversations
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

func (s *Store) queryConversations(ctx context.Context, op, q string, args ...any) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		var meta, created string
		if err := rows.Scan(&e.ID, &e.Platform, &e.UserID, &e.Role, &e.Content, &meta, &created); err != nil {
			return nil, storageErr(op, err)
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
