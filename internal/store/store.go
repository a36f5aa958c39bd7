// Package store owns the on-disk layout under the data directory:
// the agents table, per-agent session transcripts, manager memory
// files and persisted attachments. All JSON writes go through an
// atomic temp-file rename.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const agentsFileVersion = 1

// Store is rooted at the configured data directory.
type Store struct {
	dataDir string
	log     *slog.Logger
}

// New creates a store rooted at dataDir, creating the directory tree.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{"swarm", "sessions", "memory", "attachments", "archetypes", "integrations"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{dataDir: dataDir, log: logger}, nil
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string { return s.dataDir }

type agentsFile struct {
	Version       int               `json:"version"`
	WriterAgentID string            `json:"writerAgentId,omitempty"`
	Agents        []AgentDescriptor `json:"agents"`
}

func (s *Store) agentsPath() string {
	return filepath.Join(s.dataDir, "swarm", "agents.json")
}

// LoadAgents reads the agents table. Descriptors failing validation
// are skipped with a log line. A missing file yields an empty table.
func (s *Store) LoadAgents() ([]*AgentDescriptor, error) {
	data, err := os.ReadFile(s.agentsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents file: %w", err)
	}

	var f agentsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}

	out := make([]*AgentDescriptor, 0, len(f.Agents))
	for i := range f.Agents {
		d := f.Agents[i]
		if err := d.Validate(); err != nil {
			s.log.Warn("skipping invalid agent descriptor", "error", err)
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

// SaveAgents writes the agents table atomically, tagged with the
// writer's agent id.
func (s *Store) SaveAgents(writerAgentID string, agents []*AgentDescriptor) error {
	f := agentsFile{
		Version:       agentsFileVersion,
		WriterAgentID: writerAgentID,
		Agents:        make([]AgentDescriptor, 0, len(agents)),
	}
	for _, d := range agents {
		f.Agents = append(f.Agents, *d)
	}
	return writeJSONAtomic(s.agentsPath(), f)
}

// SessionFilePath returns the JSONL transcript path for an agent.
func (s *Store) SessionFilePath(agentID string) string {
	return filepath.Join(s.dataDir, "sessions", agentID+".jsonl")
}

// DeleteSessionFile removes an agent's transcript; a missing file is
// not an error.
func (s *Store) DeleteSessionFile(agentID string) error {
	err := os.Remove(s.SessionFilePath(agentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

// MemoryPath returns the markdown memory file path for a manager.
func (s *Store) MemoryPath(managerID string) string {
	return filepath.Join(s.dataDir, "memory", managerID+".md")
}

// EnsureMemoryFile creates an empty memory file if none exists and
// returns its path. Workers read their owning manager's file.
func (s *Store) EnsureMemoryFile(managerID string) (string, error) {
	path := s.MemoryPath(managerID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	header := fmt.Sprintf("# Memory: %s\n", managerID)
	if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
		return "", fmt.Errorf("create memory file: %w", err)
	}
	return path, nil
}

// ReadMemory returns the memory file contents, empty when absent.
func (s *Store) ReadMemory(managerID string) (string, error) {
	data, err := os.ReadFile(s.MemoryPath(managerID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SaveAttachment persists a binary attachment and returns its path.
// Files land under attachments/<agentId>/<batch>/<nn>-<sanitized>.
func (s *Store) SaveAttachment(agentID, batch string, index int, fileName string, data []byte) (string, error) {
	dir := filepath.Join(s.dataDir, "attachments", agentID, batch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	name := fmt.Sprintf("%02d-%s", index, SanitizeFileName(fileName))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

// SanitizeFileName makes an untrusted file name safe for disk: control
// characters stripped, whitespace collapsed, path separators replaced,
// leading dots removed, length capped at 120.
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	cleaned = strings.ReplaceAll(cleaned, "/", "-")
	cleaned = strings.ReplaceAll(cleaned, "\\", "-")
	cleaned = strings.TrimLeft(cleaned, ".-")
	if len(cleaned) > 120 {
		cleaned = cleaned[:120]
	}
	if cleaned == "" {
		return "file"
	}
	return cleaned
}

// writeJSONAtomic writes pretty JSON with a trailing newline via a
// temp file in the target directory followed by a rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
