package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// transcriptLog is the append-only JSONL session log. Images are not
// persisted, only counted; a restored session replays text history.
type transcriptLog struct {
	mu   sync.Mutex
	file *os.File
}

type transcriptRecord struct {
	Timestamp  string `json:"ts"`
	Kind       string `json:"kind"` // "message" or "compaction"
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	ImageCount int    `json:"imageCount,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// openTranscript opens (creating if needed) the JSONL log at path and
// rebuilds the message history it encodes. A compaction record resets
// the history to its summary, matching what the live session did.
func openTranscript(path string) (*transcriptLog, []providers.Message, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}

	var history []providers.Message
	if data, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(data)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec transcriptRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			switch rec.Kind {
			case "message":
				history = append(history, providers.Message{Role: rec.Role, Content: rec.Text})
			case "compaction":
				history = []providers.Message{{Role: "user", Content: rec.Summary}}
			}
		}
		data.Close()
		if err := scanner.Err(); err != nil {
			return nil, nil, fmt.Errorf("read transcript: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return &transcriptLog{file: f}, history, nil
}

func (t *transcriptLog) appendMessage(m providers.Message) error {
	return t.append(transcriptRecord{
		Kind:       "message",
		Role:       m.Role,
		Text:       m.Content,
		ImageCount: len(m.Images),
	})
}

func (t *transcriptLog) appendCompaction(summary string) error {
	return t.append(transcriptRecord{Kind: "compaction", Summary: summary})
}

func (t *transcriptLog) append(rec transcriptRecord) error {
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *transcriptLog) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}
