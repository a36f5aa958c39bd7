// Package archetypes resolves system-prompt templates for agents.
// Templates are markdown files under <dataDir>/archetypes, hot
// reloaded while the process runs.
package archetypes

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultWorkerPrompt is used when no archetype matches a worker.
const DefaultWorkerPrompt = `You are a worker agent in a multi-agent swarm. You receive tasks from your manager, complete them carefully, and report results back. Messages prefixed with SYSTEM: are control traffic from the orchestrator, not from the user. Be concise and factual in your reports.`

// DefaultManagerPrompt is used when no "manager" archetype exists.
const DefaultManagerPrompt = `You are a manager agent in a multi-agent swarm. You are the user-facing endpoint for your tenant: you answer the user directly, and you may spawn worker agents for independent subtasks, route work to them, and consolidate their reports. Keep the user informed about delegated work.`

// Library caches archetype prompts loaded from disk.
type Library struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	prompts map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLibrary loads every *.md file under dir. The directory is created
// if missing.
func NewLibrary(dir string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archetypes dir: %w", err)
	}
	l := &Library{
		dir:     dir,
		log:     logger,
		prompts: make(map[string]string),
		done:    make(chan struct{}),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Watch starts hot reloading on file changes under the archetype
// directory.
func (l *Library) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch archetypes dir: %w", err)
	}
	l.watcher = w

	go func() {
		for {
			select {
			case <-l.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".md" {
					continue
				}
				if err := l.reload(); err != nil {
					l.log.Warn("archetype reload failed", "error", err)
					continue
				}
				l.log.Debug("archetypes reloaded", "trigger", filepath.Base(ev.Name))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("archetype watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Library) Close() {
	close(l.done)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

func (l *Library) reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	prompts := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			l.log.Warn("skipping unreadable archetype", "file", e.Name(), "error", err)
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		prompts[id] = strings.TrimSpace(string(data))
	}
	l.mu.Lock()
	l.prompts = prompts
	l.mu.Unlock()
	return nil
}

// Get returns the prompt for an archetype id.
func (l *Library) Get(id string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.prompts[id]
	return p, ok
}

// IDs returns the known archetype ids.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.prompts))
	for id := range l.prompts {
		ids = append(ids, id)
	}
	return ids
}

// ResolveWorkerPrompt picks the system prompt for a worker: an explicit
// archetype id wins; otherwise an archetype whose id prefixes the agent
// id (a "merger-2" worker gets the "merger" archetype); otherwise the
// default worker prompt.
func (l *Library) ResolveWorkerPrompt(archetypeID, agentID string) (prompt, resolvedID string) {
	if archetypeID != "" {
		if p, ok := l.Get(archetypeID); ok {
			return p, archetypeID
		}
		l.log.Warn("unknown archetype, falling back", "archetype", archetypeID, "agent", agentID)
	}

	l.mu.RLock()
	best := ""
	for id := range l.prompts {
		if agentID == id || strings.HasPrefix(agentID, id+"-") {
			if len(id) > len(best) {
				best = id
			}
		}
	}
	l.mu.RUnlock()
	if best != "" {
		p, _ := l.Get(best)
		return p, best
	}
	return DefaultWorkerPrompt, ""
}

// ResolveManagerPrompt returns the "manager" archetype when present,
// else the built-in default.
func (l *Library) ResolveManagerPrompt() string {
	if p, ok := l.Get("manager"); ok {
		return p
	}
	return DefaultManagerPrompt
}
