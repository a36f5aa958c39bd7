package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

func testDescriptor(id, role, managerID string) *AgentDescriptor {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return &AgentDescriptor{
		AgentID:     id,
		DisplayName: id,
		Role:        role,
		ManagerID:   managerID,
		Status:      StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Cwd:         "/tmp",
		Model:       ModelRef{Provider: "anthropic", ModelID: "claude-opus-4-6"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	agents := []*AgentDescriptor{
		testDescriptor("main", RoleManager, "main"),
		testDescriptor("worker-1", RoleWorker, "main"),
	}
	agents[1].ContextUsage = &transport.ContextUsage{Tokens: 1000, ContextWindow: 200000, Percent: 0.005}

	if err := s.SaveAgents("main", agents); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d agents, want 2", len(loaded))
	}
	if loaded[0].AgentID != "main" || loaded[0].Role != RoleManager {
		t.Fatalf("loaded[0] = %+v", loaded[0])
	}
	if loaded[1].ContextUsage == nil || loaded[1].ContextUsage.Tokens != 1000 {
		t.Fatalf("contextUsage not round-tripped: %+v", loaded[1].ContextUsage)
	}
}

func TestSaveAgentsIsPrettyWithTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAgents("main", []*AgentDescriptor{testDescriptor("main", RoleManager, "main")}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "swarm", "agents.json"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.HasSuffix(text, "\n") {
		t.Fatal("file missing trailing newline")
	}
	if !strings.Contains(text, "  \"agents\"") {
		t.Fatal("file not 2-space indented")
	}
}

func TestLoadSkipsInvalidDescriptors(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	bad := testDescriptor("BAD ID", RoleWorker, "main")
	good := testDescriptor("ok", RoleManager, "ok")
	// SaveAgents serializes whatever it is given; validation happens
	// on load.
	if err := s.SaveAgents("ok", []*AgentDescriptor{bad, good}); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].AgentID != "ok" {
		t.Fatalf("loaded = %+v, want only the valid descriptor", loaded)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded %d agents from empty store", len(loaded))
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentDescriptor)
		ok     bool
	}{
		{"valid worker", func(d *AgentDescriptor) {}, true},
		{"uppercase id", func(d *AgentDescriptor) { d.AgentID = "Nope" }, false},
		{"id too long", func(d *AgentDescriptor) { d.AgentID = strings.Repeat("a", 49) }, false},
		{"manager id mismatch", func(d *AgentDescriptor) { d.Role = RoleManager; d.ManagerID = "other" }, false},
		{"unknown role", func(d *AgentDescriptor) { d.Role = "overseer" }, false},
		{"unknown status", func(d *AgentDescriptor) { d.Status = "paused" }, false},
		{"relative cwd", func(d *AgentDescriptor) { d.Cwd = "work" }, false},
		{"usage on stopped agent", func(d *AgentDescriptor) {
			d.Status = StatusStopped
			d.ContextUsage = &transport.ContextUsage{Tokens: 1}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescriptor("worker-1", RoleWorker, "main")
			tt.mutate(d)
			err := d.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureMemoryFile(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.EnsureMemoryFile("main")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("remember the plan\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Ensure must not clobber existing content.
	if _, err := s.EnsureMemoryFile("main"); err != nil {
		t.Fatal(err)
	}
	content, err := s.ReadMemory("main")
	if err != nil {
		t.Fatal(err)
	}
	if content != "remember the plan\n" {
		t.Fatalf("memory content = %q", content)
	}
}

func TestSaveAttachment(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.SaveAttachment("worker-1", "batch-1", 3, "report.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "03-report.pdf" {
		t.Fatalf("attachment name = %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "%PDF" {
		t.Fatalf("attachment content = %q", data)
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "etc-passwd"},
		{"a\x00b\x1fc", "abc"},
		{"  spaced   name  ", "spaced name"},
		{".hidden", "hidden"},
		{"", "file"},
		{strings.Repeat("x", 200), strings.Repeat("x", 120)},
		{"dir\\sub\\file", "dir-sub-file"},
	}
	for _, tt := range tests {
		if got := SanitizeFileName(tt.in); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
