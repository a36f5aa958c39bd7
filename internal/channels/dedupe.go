package channels

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDedupeTTL is how long an inbound event key stays remembered.
const DefaultDedupeTTL = 30 * time.Minute

// Dedupe is a TTL'd seen-set backed by SQLite, so platform redeliveries
// across restarts do not become duplicate user messages.
type Dedupe struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenDedupe opens (creating if needed) the dedupe database at path.
func OpenDedupe(path string, ttl time.Duration) (*Dedupe, error) {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dedupe db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS inbound_events (
		key     TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init dedupe schema: %w", err)
	}
	return &Dedupe{db: db, ttl: ttl}, nil
}

// Seen records key and reports whether it was already present within
// the TTL. The first call for a key returns false, later calls true.
func (d *Dedupe) Seen(key string) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-d.ttl).Unix()
	if _, err := d.db.Exec(`DELETE FROM inbound_events WHERE seen_at < ?`, cutoff); err != nil {
		return false, fmt.Errorf("dedupe purge: %w", err)
	}
	res, err := d.db.Exec(
		`INSERT INTO inbound_events (key, seen_at) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		key, now.Unix())
	if err != nil {
		return false, fmt.Errorf("dedupe insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedupe insert result: %w", err)
	}
	return n == 0, nil
}

func (d *Dedupe) Close() error { return d.db.Close() }

// EventKey builds the dedupe key for an inbound platform event: the
// platform event id when present, else type:channel:ts.
func EventKey(eventID, eventType, channel, ts string) string {
	if eventID != "" {
		return eventID
	}
	return eventType + ":" + channel + ":" + ts
}
