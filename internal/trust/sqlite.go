package trust

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trust_peers (
  peer_id         TEXT PRIMARY KEY,
  device_name     TEXT NOT NULL,
  key_fingerprint TEXT NOT NULL,
  state           TEXT CHECK(state IN ('unknown','pending','trusted','blocked')) NOT NULL,
  first_seen      INTEGER NOT NULL,
  last_seen       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_trust_peers_state
ON trust_peers (state);
`,
}

// SQLiteStore persists trust entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite trust store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create trust store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply trust store migration %d: %w", i, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(peerID string) (Entry, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, device_name, key_fingerprint, state, first_seen, last_seen
		FROM trust_peers
		WHERE peer_id = ?`,
		peerID,
	)

	var (
		entry     Entry
		state     string
		firstSeen int64
		lastSeen  int64
	)
	err := row.Scan(&entry.PeerID, &entry.DeviceName, &entry.Fingerprint, &state, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get trust entry %q: %w", peerID, err)
	}

	entry.State = State(state)
	entry.FirstSeen = time.UnixMilli(firstSeen)
	entry.LastSeen = time.UnixMilli(lastSeen)
	return entry, nil
}

func (s *SQLiteStore) Put(entry Entry) error {
	if entry.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = time.Now()
	}
	if entry.LastSeen.IsZero() {
		entry.LastSeen = entry.FirstSeen
	}

	_, err := s.db.Exec(
		`INSERT INTO trust_peers (peer_id, device_name, key_fingerprint, state, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			device_name = excluded.device_name,
			key_fingerprint = excluded.key_fingerprint,
			state = excluded.state,
			last_seen = excluded.last_seen`,
		entry.PeerID,
		entry.DeviceName,
		entry.Fingerprint,
		string(entry.State),
		entry.FirstSeen.UnixMilli(),
		entry.LastSeen.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put trust entry %q: %w", entry.PeerID, err)
	}
	return nil
}

func (s *SQLiteStore) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, device_name, key_fingerprint, state, first_seen, last_seen
		FROM trust_peers
		ORDER BY device_name, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trust entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			entry     Entry
			state     string
			firstSeen int64
			lastSeen  int64
		)
		if err := rows.Scan(&entry.PeerID, &entry.DeviceName, &entry.Fingerprint, &state, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan trust entry: %w", err)
		}
		entry.State = State(state)
		entry.FirstSeen = time.UnixMilli(firstSeen)
		entry.LastSeen = time.UnixMilli(lastSeen)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trust entries: %w", err)
	}

	return entries, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
