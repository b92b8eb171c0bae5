package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func createTestConnection(t *testing.T, s *Store, name string) Connection {
	t.Helper()
	c := Connection{
		ID:     uuid.NewString(),
		Name:   name,
		Kind:   KindMCP,
		Config: ConnectionConfig{Command: "srv", Args: []string{"--stdio"}},
		Active: true,
	}
	if err := s.CreateConnection(c); err != nil {
		t.Fatalf("CreateConnection(%s): %v", name, err)
	}
	return c
}

// TestConnectionConfigRoundTrip verifies the tagged config union survives
// the JSON boundary.
func TestConnectionConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := Connection{
		ID:   uuid.NewString(),
		Name: "files",
		Kind: KindMCP,
		Config: ConnectionConfig{
			Command: "mcp-files",
			Args:    []string{"--root", "/data"},
			Env:     map[string]string{"TOKEN": "x"},
		},
		Active: true,
	}
	if err := s.CreateConnection(want); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	got, err := s.GetConnection(want.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.Config.Command != "mcp-files" || len(got.Config.Args) != 2 || got.Config.Env["TOKEN"] != "x" {
		t.Errorf("config round-trip mismatch: %+v", got.Config)
	}
	if got.Kind != KindMCP {
		t.Errorf("Kind = %q, want %q", got.Kind, KindMCP)
	}
}

// TestConnectionDuplicateName verifies the unique name constraint maps to
// ErrConflict.
func TestConnectionDuplicateName(t *testing.T) {
	s := openTestStore(t)
	createTestConnection(t, s, "dup")

	err := s.CreateConnection(Connection{ID: uuid.NewString(), Name: "dup", Kind: KindOpenAPI})
	if err != ErrConflict {
		t.Errorf("duplicate CreateConnection = %v, want ErrConflict", err)
	}
}

// TestReplaceDiscoveredTools verifies refresh swaps the cache wholesale.
func TestReplaceDiscoveredTools(t *testing.T) {
	s := openTestStore(t)
	c := createTestConnection(t, s, "tools")

	now := time.Now().UTC().Truncate(time.Second)
	old := []DiscoveredTool{
		{ID: uuid.NewString(), Name: "old_tool", DiscoveredAt: now, LastVerifiedAt: now, Available: true},
	}
	if err := s.ReplaceDiscoveredTools(c.ID, old); err != nil {
		t.Fatalf("first ReplaceDiscoveredTools: %v", err)
	}

	fresh := []DiscoveredTool{
		{ID: uuid.NewString(), Name: "tool_a", DiscoveredAt: now, LastVerifiedAt: now, Available: true},
		{ID: uuid.NewString(), Name: "tool_b", DiscoveredAt: now, LastVerifiedAt: now, Available: true},
	}
	if err := s.ReplaceDiscoveredTools(c.ID, fresh); err != nil {
		t.Fatalf("second ReplaceDiscoveredTools: %v", err)
	}

	got, err := s.ListDiscoveredTools(c.ID, false)
	if err != nil {
		t.Fatalf("ListDiscoveredTools: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].Name != "tool_a" || got[1].Name != "tool_b" {
		t.Errorf("tool names = %q,%q", got[0].Name, got[1].Name)
	}
}

// TestSetToolAvailability verifies the soft toggle and that only re-enabling
// counts as verification.
func TestSetToolAvailability(t *testing.T) {
	s := openTestStore(t)
	c := createTestConnection(t, s, "toggle")

	verified := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	tool := DiscoveredTool{
		ID: uuid.NewString(), Name: "t", DiscoveredAt: verified, LastVerifiedAt: verified, Available: true,
	}
	if err := s.ReplaceDiscoveredTools(c.ID, []DiscoveredTool{tool}); err != nil {
		t.Fatalf("ReplaceDiscoveredTools: %v", err)
	}

	if err := s.SetToolAvailability(tool.ID, false, time.Now()); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, err := s.GetDiscoveredTool(tool.ID)
	if err != nil {
		t.Fatalf("GetDiscoveredTool: %v", err)
	}
	if got.Available {
		t.Error("tool still available after disable")
	}
	if !got.LastVerifiedAt.Equal(verified) {
		t.Errorf("disable moved LastVerifiedAt: %v -> %v", verified, got.LastVerifiedAt)
	}

	reEnabled := time.Now().UTC().Truncate(time.Second)
	if err := s.SetToolAvailability(tool.ID, true, reEnabled); err != nil {
		t.Fatalf("enable: %v", err)
	}
	got, err = s.GetDiscoveredTool(tool.ID)
	if err != nil {
		t.Fatalf("GetDiscoveredTool: %v", err)
	}
	if !got.Available {
		t.Error("tool not available after enable")
	}
	if !got.LastVerifiedAt.Equal(reEnabled) {
		t.Errorf("enable did not update LastVerifiedAt: got %v, want %v", got.LastVerifiedAt, reEnabled)
	}

	if err := s.SetToolAvailability("missing", true, time.Now()); err != ErrNotFound {
		t.Errorf("toggle unknown tool = %v, want ErrNotFound", err)
	}
}

// TestToolCacheInfo verifies the count and latest verification timestamp.
func TestToolCacheInfo(t *testing.T) {
	s := openTestStore(t)
	c := createTestConnection(t, s, "info")

	count, last, err := s.ToolCacheInfo(c.ID)
	if err != nil {
		t.Fatalf("ToolCacheInfo(empty): %v", err)
	}
	if count != 0 || !last.IsZero() {
		t.Errorf("empty cache: count=%d last=%v", count, last)
	}

	older := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	newer := time.Now().UTC().Truncate(time.Second)
	tools := []DiscoveredTool{
		{ID: uuid.NewString(), Name: "a", DiscoveredAt: older, LastVerifiedAt: older, Available: true},
		{ID: uuid.NewString(), Name: "b", DiscoveredAt: newer, LastVerifiedAt: newer, Available: true},
	}
	if err := s.ReplaceDiscoveredTools(c.ID, tools); err != nil {
		t.Fatalf("ReplaceDiscoveredTools: %v", err)
	}

	count, last, err = s.ToolCacheInfo(c.ID)
	if err != nil {
		t.Fatalf("ToolCacheInfo: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if !last.Equal(newer) {
		t.Errorf("last = %v, want %v", last, newer)
	}
}

// TestDeleteConnectionCascades verifies tool cache rows are removed with
// their connection.
func TestDeleteConnectionCascades(t *testing.T) {
	s := openTestStore(t)
	c := createTestConnection(t, s, "cascade")

	now := time.Now().UTC()
	if err := s.ReplaceDiscoveredTools(c.ID, []DiscoveredTool{
		{ID: uuid.NewString(), Name: "t", DiscoveredAt: now, LastVerifiedAt: now, Available: true},
	}); err != nil {
		t.Fatalf("ReplaceDiscoveredTools: %v", err)
	}

	if err := s.DeleteConnection(c.ID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	var orphans int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM discovered_tools WHERE connection_id = ?`, c.ID).Scan(&orphans); err != nil {
		t.Fatalf("counting tools: %v", err)
	}
	if orphans != 0 {
		t.Errorf("found %d orphan tool rows", orphans)
	}
}

// TestSkillConnectionJunction verifies linking is idempotent and only active
// connections are returned for a skill.
func TestSkillConnectionJunction(t *testing.T) {
	s := openTestStore(t)

	sk := Skill{ID: uuid.NewString(), Code: "billing", Name: "Billing", Active: true}
	if err := s.CreateSkill(sk); err != nil {
		t.Fatalf("CreateSkill: %v", err)
	}
	c1 := createTestConnection(t, s, "c1")
	c2 := createTestConnection(t, s, "c2")

	for i := 0; i < 2; i++ {
		if err := s.LinkSkillConnection(sk.ID, c1.ID); err != nil {
			t.Fatalf("LinkSkillConnection c1 (%d): %v", i, err)
		}
	}
	if err := s.LinkSkillConnection(sk.ID, c2.ID); err != nil {
		t.Fatalf("LinkSkillConnection c2: %v", err)
	}
	if err := s.SetConnectionActive(c2.ID, false); err != nil {
		t.Fatalf("SetConnectionActive: %v", err)
	}

	conns, err := s.ConnectionsForSkill(sk.ID)
	if err != nil {
		t.Fatalf("ConnectionsForSkill: %v", err)
	}
	if len(conns) != 1 || conns[0].ID != c1.ID {
		t.Errorf("ConnectionsForSkill = %+v, want only c1", conns)
	}
}

// TestSkillByCode verifies skill lookup by code and duplicate code conflict.
func TestSkillByCode(t *testing.T) {
	s := openTestStore(t)

	sk := Skill{ID: uuid.NewString(), Code: "travel", Name: "Travel", SystemPrompt: "You book trips.", Active: true}
	if err := s.CreateSkill(sk); err != nil {
		t.Fatalf("CreateSkill: %v", err)
	}

	got, err := s.GetSkillByCode("travel")
	if err != nil {
		t.Fatalf("GetSkillByCode: %v", err)
	}
	if got.SystemPrompt != "You book trips." {
		t.Errorf("SystemPrompt = %q", got.SystemPrompt)
	}

	err = s.CreateSkill(Skill{ID: uuid.NewString(), Code: "travel", Name: "Travel 2"})
	if err != ErrConflict {
		t.Errorf("duplicate CreateSkill = %v, want ErrConflict", err)
	}

	if _, err := s.GetSkillByCode("nope"); err != ErrNotFound {
		t.Errorf("GetSkillByCode(unknown) = %v, want ErrNotFound", err)
	}
}
