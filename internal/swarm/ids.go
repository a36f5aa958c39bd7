package swarm

import (
	"fmt"
	"strings"
)

// NormalizeAgentID turns a display name into an agent slug: lowercase,
// non-alphanumerics collapsed to single dashes, trimmed, capped at 48.
// Idempotent: normalizing a normalized id returns it unchanged.
func NormalizeAgentID(source string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(source) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	id := strings.Trim(b.String(), "-")
	if len(id) > 48 {
		id = strings.Trim(id[:48], "-")
	}
	if id == "" {
		return "agent"
	}
	return id
}

// allocateAgentID returns a unique slug for source, appending -2, -3,
// ... on collision. The reserved id (the primary manager) is never
// produced. Caller holds the lifecycle lock.
func (m *Manager) allocateAgentID(source string) string {
	base := NormalizeAgentID(source)
	candidate := base
	for n := 2; ; n++ {
		if candidate != m.cfg.Swarm.PrimaryManagerID && m.descriptors[candidate] == nil {
			return candidate
		}
		suffix := fmt.Sprintf("-%d", n)
		trimmed := base
		if len(trimmed)+len(suffix) > 48 {
			trimmed = strings.Trim(trimmed[:48-len(suffix)], "-")
		}
		candidate = trimmed + suffix
	}
}
