package memory

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store, err := NewStore(db, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, clk
}

func mustSave(t *testing.T, s *Store, typ, content string, opts MemoryOptions) int64 {
	t.Helper()
	id, err := s.SaveMemory(context.Background(), typ, content, opts)
	if err != nil {
		t.Fatalf("save memory: %v", err)
	}
	return id
}

func ids(ms []Memory) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestSaveMemory_Coerces(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		typ            string
		importance     int
		tags           []string
		wantType       string
		wantImportance int
		wantTags       []string
	}{
		{"defaults", "", 0, nil, TypeFact, 5, nil},
		{"known type", "Preference", 8, nil, TypePreference, 8, nil},
		{"unknown type", "gossip", 3, nil, TypeFact, 3, nil},
		{"importance high", "fact", 42, nil, TypeFact, 10, nil},
		{"importance negative", "fact", -4, nil, TypeFact, 1, nil},
		{"tags normalized", "person", 5, []string{" Family ", "mom,Family", ""}, TypePerson, 5, []string{"family", "mom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := mustSave(t, s, tt.typ, "  content for "+tt.name+"  ", MemoryOptions{Importance: tt.importance, Tags: tt.tags})
			m, err := s.GetMemory(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if m.Type != tt.wantType || m.Importance != tt.wantImportance {
				t.Errorf("type=%s importance=%d, want %s/%d", m.Type, m.Importance, tt.wantType, tt.wantImportance)
			}
			if !slices.Equal(m.Tags, tt.wantTags) {
				t.Errorf("tags = %v, want %v", m.Tags, tt.wantTags)
			}
			if m.Content != "content for "+tt.name {
				t.Errorf("content not trimmed: %q", m.Content)
			}
		})
	}
}

func TestSearchMemories_Ordering(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	low := mustSave(t, s, "fact", "likes tea", MemoryOptions{Importance: 3})
	clk.Advance(time.Minute)
	older := mustSave(t, s, "fact", "likes green tea", MemoryOptions{Importance: 9})
	clk.Advance(time.Minute)
	newer := mustSave(t, s, "fact", "hates tea bags", MemoryOptions{Importance: 9})

	got, err := s.SearchMemories(ctx, "tea", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{newer, older, low}
	if !slices.Equal(ids(got), want) {
		t.Errorf("order = %v, want %v", ids(got), want)
	}

	// Updating the older importance-9 memory makes it the most recent.
	clk.Advance(time.Minute)
	if err := s.UpdateMemory(ctx, older, "loves green tea"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.SearchMemories(ctx, "tea", SearchOptions{})
	want = []int64{older, newer, low}
	if !slices.Equal(ids(got), want) {
		t.Errorf("order after update = %v, want %v", ids(got), want)
	}
}

func TestSearchMemories_Filters(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "preference", "prefers window seats", MemoryOptions{UserID: "telegram:1", Tags: []string{"travel"}})
	mustSave(t, s, "fact", "passport expires in June", MemoryOptions{UserID: "telegram:2", Tags: []string{"travel"}})
	mustSave(t, s, "fact", "100% cotton shirts only", MemoryOptions{UserID: "telegram:1"})

	tests := []struct {
		name  string
		query string
		opts  SearchOptions
		want  int
	}{
		{"tag match", "travel", SearchOptions{}, 2},
		{"case insensitive", "PASSPORT", SearchOptions{}, 1},
		{"by user", "travel", SearchOptions{UserID: "telegram:1"}, 1},
		{"by type", "", SearchOptions{Type: "fact"}, 2},
		{"empty query", "", SearchOptions{}, 3},
		{"limit", "", SearchOptions{Limit: 1}, 1},
		{"percent literal", "100%", SearchOptions{}, 1},
		{"wildcard not expanded", "%", SearchOptions{}, 1},
		{"no match", "zebra", SearchOptions{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SearchMemories(ctx, tt.query, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d results, want %d", len(got), tt.want)
			}
		})
	}
}

func TestArchiveSemantics(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		mustSave(t, s, "fact", "diet note", MemoryOptions{})
	}
	keep := mustSave(t, s, "fact", "favorite color is green", MemoryOptions{})

	n, err := s.ArchiveMemoriesByQuery(ctx, "diet")
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 {
		t.Errorf("archived %d, want 25", n)
	}

	got, _ := s.SearchMemories(ctx, "diet", SearchOptions{})
	if len(got) != 0 {
		t.Errorf("default search returned %d archived rows", len(got))
	}
	got, _ = s.SearchMemories(ctx, "diet", SearchOptions{IncludeArchived: true, Limit: 100})
	if len(got) != 25 || !got[0].Archived {
		t.Errorf("archived rows not retained: %d", len(got))
	}

	purged, err := s.PurgeArchived(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 25 {
		t.Errorf("purged %d, want 25", purged)
	}
	if again, _ := s.PurgeArchived(ctx); again != 0 {
		t.Errorf("second purge removed %d, want 0", again)
	}

	if _, err := s.GetMemory(ctx, keep); err != nil {
		t.Errorf("unrelated memory lost: %v", err)
	}
}

func TestArchiveMemoriesByQuery_BlankQuery(t *testing.T) {
	s, _ := setupTestStore(t)
	mustSave(t, s, "fact", "anything", MemoryOptions{})

	n, err := s.ArchiveMemoriesByQuery(context.Background(), "  ")
	if err != nil || n != 0 {
		t.Errorf("blank query archived %d (err %v)", n, err)
	}
}

func TestRecentMemories(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	a := mustSave(t, s, "fact", "a", MemoryOptions{Importance: 10})
	clk.Advance(time.Second)
	b := mustSave(t, s, "fact", "b", MemoryOptions{Importance: 1})
	clk.Advance(time.Second)
	c := mustSave(t, s, "fact", "c", MemoryOptions{})
	if err := s.ArchiveMemory(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentMemories(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{b, a}; !slices.Equal(ids(got), want) {
		t.Errorf("recent = %v, want %v", ids(got), want)
	}
}

func TestNotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	checks := map[string]error{
		"update":  s.UpdateMemory(ctx, 999, "x"),
		"archive": s.ArchiveMemory(ctx, 999),
		"resolve": s.ResolveError(ctx, 999, "x"),
		"gap":     s.UpdateGapStatus(ctx, 999, GapDone, ""),
		"delete":  s.DeleteGap(ctx, 999),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
		if IsStorageError(err) {
			t.Errorf("%s: not-found reported as storage failure", name)
		}
	}
}

func TestConversationHistory(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	for i, msg := range []string{"one", "two", "three", "four"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := s.LogConversation(ctx, "telegram", role, msg, LogOptions{UserID: "telegram:1"}); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)
	}
	s.LogConversation(ctx, "telegram", RoleUser, "other user", LogOptions{UserID: "telegram:2"})
	s.LogConversation(ctx, "phone", RoleUser, "other platform", LogOptions{UserID: "telegram:1"})

	got, err := s.GetHistory(ctx, "telegram", "telegram:1", 3)
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, e := range got {
		contents = append(contents, e.Content)
	}
	if want := []string{"two", "three", "four"}; !slices.Equal(contents, want) {
		t.Errorf("history = %v, want %v (oldest first)", contents, want)
	}
}

func TestConversationHistory_SameTimestamp(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	// The clock does not move, so insertion order must break the tie.
	for _, msg := range []string{"a", "b", "c"} {
		s.LogConversation(ctx, "telegram", RoleUser, msg, LogOptions{UserID: "u"})
	}
	got, _ := s.GetHistory(ctx, "telegram", "u", 10)
	if len(got) != 3 || got[0].Content != "a" || got[2].Content != "c" {
		t.Errorf("history = %+v", got)
	}
}

func TestLogConversation_Metadata(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	err := s.LogConversation(ctx, "phone", "narrator", "hello", LogOptions{
		UserID:   "phone:+15551234567",
		Metadata: map[string]any{"call_sid": "CA123"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.RecentConversations(ctx, 1)
	if got[0].Role != RoleSystem {
		t.Errorf("unknown role stored as %q, want system", got[0].Role)
	}
	if got[0].Metadata["call_sid"] != "CA123" {
		t.Errorf("metadata = %v", got[0].Metadata)
	}
}

func TestErrors(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	s.LogError(ctx, "run_shell", `{"command":"ls /nope"}`, "exit status 1")
	clk.Advance(time.Second)
	s.LogError(ctx, "read_email", `{"sender":"bob"}`, "NOT_FOUND")
	clk.Advance(time.Second)
	s.LogError(ctx, "run_shell", `{"command":"cat x"}`, "")

	recent, err := s.GetRecentErrors(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Input != `{"command":"cat x"}` || recent[0].Message != "(no message)" {
		t.Errorf("recent errors = %+v", recent)
	}

	shell, _ := s.GetErrorsForTool(ctx, "run_shell")
	if len(shell) != 2 {
		t.Errorf("run_shell errors = %d, want 2", len(shell))
	}

	if err := s.ResolveError(ctx, shell[0].ID, "use absolute paths"); err != nil {
		t.Fatal(err)
	}
	shell, _ = s.GetErrorsForTool(ctx, "run_shell")
	if shell[0].Resolution != "use absolute paths" {
		t.Errorf("resolution = %q", shell[0].Resolution)
	}
}

func TestUpsertUser(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, "u1", UserOptions{Name: "Alice", Platform: "telegram"}); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetUser(ctx, "u1")

	clk.Advance(time.Hour)
	if err := s.UpsertUser(ctx, "u1", UserOptions{Name: ""}); err != nil {
		t.Fatal(err)
	}
	second, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	if second.Name != "Alice" {
		t.Errorf("name = %q, want Alice", second.Name)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Errorf("last_seen not advanced: %v -> %v", first.LastSeen, second.LastSeen)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at changed on upsert")
	}
	if second.Platform != "telegram" || second.Role != UserRoleUser {
		t.Errorf("platform/role = %s/%s", second.Platform, second.Role)
	}

	clk.Advance(time.Hour)
	s.UpsertUser(ctx, "u1", UserOptions{Name: "Alice Smith"})
	third, _ := s.GetUser(ctx, "u1")
	if third.Name != "Alice Smith" {
		t.Errorf("non-empty name not applied: %q", third.Name)
	}

	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user err = %v", err)
	}
}

func TestListUsers(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	s.UpsertUser(ctx, "a", UserOptions{Role: "admin"})
	clk.Advance(time.Second)
	s.UpsertUser(ctx, "b", UserOptions{Role: "superuser"})

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].ID != "b" {
		t.Fatalf("users = %+v", users)
	}
	if users[0].Role != UserRoleUser || users[1].Role != UserRoleAdmin {
		t.Errorf("roles = %s, %s", users[0].Role, users[1].Role)
	}
}

func TestCapabilityGaps(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	lowOld, _ := s.LogCapabilityGap(ctx, "book flights", GapOptions{Priority: PriorityLow})
	clk.Advance(time.Second)
	highOld, _ := s.LogCapabilityGap(ctx, "read calendar", GapOptions{Priority: PriorityHigh, Category: "integration"})
	clk.Advance(time.Second)
	med, _ := s.LogCapabilityGap(ctx, "order pizza", GapOptions{Priority: "urgent"})
	clk.Advance(time.Second)
	highNew, _ := s.LogCapabilityGap(ctx, "control lights", GapOptions{Priority: PriorityHigh})

	open, err := s.GetOpenGaps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for _, g := range open {
		got = append(got, g.ID)
	}
	if want := []int64{highNew, highOld, med, lowOld}; !slices.Equal(got, want) {
		t.Errorf("open gaps = %v, want %v", got, want)
	}
	if open[2].Priority != PriorityMedium {
		t.Errorf("unknown priority stored as %q", open[2].Priority)
	}

	if err := s.UpdateGapStatus(ctx, highOld, GapBuilding, ""); err != nil {
		t.Fatal(err)
	}
	g, _ := s.GetGap(ctx, highOld)
	if g.Status != GapBuilding || g.ResolvedAt != nil {
		t.Errorf("building gap = %+v", g)
	}

	if err := s.UpdateGapStatus(ctx, highOld, GapDone, "added calendar tool"); err != nil {
		t.Fatal(err)
	}
	g, _ = s.GetGap(ctx, highOld)
	if g.ResolvedAt == nil || g.Resolution != "added calendar tool" {
		t.Errorf("done gap = %+v", g)
	}

	if err := s.UpdateGapStatus(ctx, med, "someday", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("invalid status err = %v", err)
	}

	if err := s.DeleteGap(ctx, lowOld); err != nil {
		t.Fatal(err)
	}
	open, _ = s.GetOpenGaps(ctx)
	if len(open) != 2 {
		t.Errorf("open gaps after update/delete = %d, want 2", len(open))
	}

	done, _ := s.ListGaps(ctx, GapDone)
	if len(done) != 1 || done[0].ID != highOld {
		t.Errorf("done gaps = %+v", done)
	}
	all, _ := s.ListGaps(ctx, "")
	if len(all) != 3 {
		t.Errorf("all gaps = %d, want 3", len(all))
	}
}

func TestStats(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "fact", "a", MemoryOptions{})
	mustSave(t, s, "person", "b", MemoryOptions{})
	id := mustSave(t, s, "person", "c", MemoryOptions{})
	s.ArchiveMemory(ctx, id)
	s.LogConversation(ctx, "telegram", RoleUser, "hi", LogOptions{})
	s.LogError(ctx, "run_shell", "", "boom")
	s.UpsertUser(ctx, "u1", UserOptions{})
	s.LogCapabilityGap(ctx, "fly", GapOptions{})

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Memories != 2 || st.ArchivedMemories != 1 || st.Conversations != 1 ||
		st.Errors != 1 || st.Users != 1 || st.OpenGaps != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.MemoryTypes["person"] != 1 || st.MemoryTypes["fact"] != 1 {
		t.Errorf("memory types = %v", st.MemoryTypes)
	}
	if st.SizeBytes <= 0 {
		t.Errorf("size = %d", st.SizeBytes)
	}
	if st.BrainVersion != SchemaVersion {
		t.Errorf("brain version = %d", st.BrainVersion)
	}
}

func TestCleanup(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	oldLow := mustSave(t, s, "fact", "old trivia", MemoryOptions{Importance: 3})
	oldHigh := mustSave(t, s, "fact", "old but important", MemoryOptions{Importance: 9})
	s.LogConversation(ctx, "telegram", RoleUser, "ancient", LogOptions{})

	clk.Advance(100 * 24 * time.Hour)
	fresh := mustSave(t, s, "fact", "new trivia", MemoryOptions{Importance: 2})
	s.LogConversation(ctx, "telegram", RoleUser, "recent", LogOptions{})

	res, err := s.Cleanup(ctx, CleanupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 1 || res.ConversationsDeleted != 1 {
		t.Errorf("cleanup = %+v", res)
	}

	for id, wantArchived := range map[int64]bool{oldLow: true, oldHigh: false, fresh: false} {
		m, _ := s.GetMemory(ctx, id)
		if m.Archived != wantArchived {
			t.Errorf("memory %d archived = %v, want %v", id, m.Archived, wantArchived)
		}
	}
}

func TestExport(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	id := mustSave(t, s, "fact", "exported", MemoryOptions{})
	s.ArchiveMemory(ctx, id)
	mustSave(t, s, "fact", "also exported", MemoryOptions{})
	s.UpsertUser(ctx, "u1", UserOptions{Name: "Alice"})

	ex, err := s.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ex.Memories) != 2 || len(ex.Users) != 1 {
		t.Errorf("export = %d memories, %d users", len(ex.Memories), len(ex.Users))
	}
	if ex.BrainVersion != SchemaVersion {
		t.Errorf("brain version = %d", ex.BrainVersion)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustSave(t, s, "fact", "persisted", MemoryOptions{})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, _ := s.SearchMemories(context.Background(), "persisted", SearchOptions{})
	if len(got) != 1 {
		t.Errorf("memory not persisted across reopen")
	}
}

func TestStorageErrorIsWrapped(t *testing.T) {
	s, _ := setupTestStore(t)
	s.DB().Close()

	_, err := s.SaveMemory(context.Background(), "fact", "x", MemoryOptions{})
	if !IsStorageError(err) {
		t.Errorf("err = %v, want ErrStorage", err)
	}
}

func TestCancelledContextIsNotStorageError(t *testing.T) {
	s, _ := setupTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.LogError(ctx, "web_fetch", "{}", "timeout")
	if err == nil {
		t.Fatal("LogError with cancelled context succeeded")
	}
	if IsStorageError(err) {
		t.Errorf("err = %v, a cancelled context is not a storage failure", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
