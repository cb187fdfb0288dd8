// Package store is the typed facade over the embedded relational store
// (spec.md §4.9): messages, announces, and the SDK domain snapshot. All
// methods are synchronous; concurrency is mediated by the caller's own
// mutexes, not by this package.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"meshrund/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages(
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	destination TEXT NOT NULL,
	title TEXT,
	content BLOB,
	ts INTEGER NOT NULL,
	direction TEXT NOT NULL,
	fields BLOB,
	receipt_status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_ts_id ON messages(ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS announces(
	id TEXT PRIMARY KEY,
	peer TEXT NOT NULL,
	ts INTEGER NOT NULL,
	display_name TEXT,
	name_source TEXT,
	first_seen INTEGER NOT NULL,
	seen_count INTEGER NOT NULL DEFAULT 1,
	app_data BLOB,
	capabilities TEXT,
	signal BLOB,
	stamp_cost BLOB
);
CREATE INDEX IF NOT EXISTS idx_announces_ts_id ON announces(ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS sdk_domain_snapshot(
	id INTEGER PRIMARY KEY CHECK (id = 1),
	blob BLOB NOT NULL
);
`

// Message is one row of the messages table.
type Message struct {
	ID            string
	Source        string
	Destination   string
	Title         string
	Content       []byte
	Timestamp     int64
	Direction     string
	Fields        []byte
	ReceiptStatus string
}

// Announce is one row of the announces table.
type Announce struct {
	ID           string
	Peer         string
	Timestamp    int64
	DisplayName  string
	NameSource   string
	FirstSeen    int64
	SeenCount    int64
	AppData      []byte
	Capabilities string
	Signal       []byte
	StampCost    []byte
}

// MessageBuckets is the result of count_message_buckets.
type MessageBuckets struct {
	Queued   int64
	InFlight int64
}

// Store is the sqlite-backed facade (spec.md §4.9).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, utils.Wrap(err, "open store")
	}
	db.SetMaxOpenConns(1) // single-process, synchronous facade per spec.md §4.9
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, utils.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessage inserts a new message row.
func (s *Store) InsertMessage(m Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages(id, source, destination, title, content, ts, direction, fields, receipt_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Source, m.Destination, m.Title, m.Content, m.Timestamp, m.Direction, m.Fields, m.ReceiptStatus,
	)
	if err != nil {
		return utils.Wrap(err, "insert message")
	}
	return nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(id string) (Message, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, source, destination, title, content, ts, direction, fields, receipt_status
		 FROM messages WHERE id = ?`, id)
	var m Message
	err := row.Scan(&m.ID, &m.Source, &m.Destination, &m.Title, &m.Content, &m.Timestamp, &m.Direction, &m.Fields, &m.ReceiptStatus)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, utils.Wrap(err, "get message")
	}
	return m, true, nil
}

// ListMessages returns up to limit messages ordered by (timestamp desc, id
// desc), paging with a "<ts>:<id>" cursor (spec.md §4.9).
func (s *Store) ListMessages(limit int, beforeCursor string) ([]Message, error) {
	query := `SELECT id, source, destination, title, content, ts, direction, fields, receipt_status FROM messages`
	args := []any{}
	if beforeCursor != "" {
		ts, id, err := parseTSIDCursor(beforeCursor)
		if err != nil {
			return nil, err
		}
		query += ` WHERE (ts < ?) OR (ts = ? AND id < ?)`
		args = append(args, ts, ts, id)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, utils.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Source, &m.Destination, &m.Title, &m.Content, &m.Timestamp, &m.Direction, &m.Fields, &m.ReceiptStatus); err != nil {
			return nil, utils.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateReceiptStatus updates a message's terminal/intermediate receipt
// status.
func (s *Store) UpdateReceiptStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE messages SET receipt_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return utils.Wrap(err, "update receipt status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return utils.Wrap(err, "update receipt status")
	}
	if n == 0 {
		return fmt.Errorf("store: message %s not found", id)
	}
	return nil
}

// CountMessageBuckets counts queued vs. in-flight messages.
func (s *Store) CountMessageBuckets(queuedStatuses, inFlightStatuses []string) (MessageBuckets, error) {
	queued, err := s.countByStatus(queuedStatuses)
	if err != nil {
		return MessageBuckets{}, err
	}
	inFlight, err := s.countByStatus(inFlightStatuses)
	if err != nil {
		return MessageBuckets{}, err
	}
	return MessageBuckets{Queued: queued, InFlight: inFlight}, nil
}

func (s *Store) countByStatus(statuses []string) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE receipt_status IN (`+placeholders+`)`, args...).Scan(&count)
	if err != nil {
		return 0, utils.Wrap(err, "count message buckets")
	}
	return count, nil
}

// ClearMessages deletes every message row.
func (s *Store) ClearMessages() error {
	if _, err := s.db.Exec(`DELETE FROM messages`); err != nil {
		return utils.Wrap(err, "clear messages")
	}
	return nil
}

// InsertAnnounce inserts or updates an announce row (upsert on id, bumping
// seen_count).
func (s *Store) InsertAnnounce(a Announce) error {
	_, err := s.db.Exec(
		`INSERT INTO announces(id, peer, ts, display_name, name_source, first_seen, seen_count, app_data, capabilities, signal, stamp_cost)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   ts = excluded.ts,
		   display_name = excluded.display_name,
		   name_source = excluded.name_source,
		   seen_count = announces.seen_count + 1,
		   app_data = excluded.app_data,
		   capabilities = excluded.capabilities,
		   signal = excluded.signal,
		   stamp_cost = excluded.stamp_cost`,
		a.ID, a.Peer, a.Timestamp, a.DisplayName, a.NameSource, a.FirstSeen, a.AppData, a.Capabilities, a.Signal, a.StampCost,
	)
	if err != nil {
		return utils.Wrap(err, "insert announce")
	}
	return nil
}

// ListAnnounces returns up to limit announces ordered by (ts desc, id
// desc), paging with explicit beforeTS/beforeID (spec.md §4.9
// "list_announces(limit, before_ts, before_id)").
func (s *Store) ListAnnounces(limit int, beforeTS int64, beforeID string) ([]Announce, error) {
	query := `SELECT id, peer, ts, display_name, name_source, first_seen, seen_count, app_data, capabilities, signal, stamp_cost FROM announces`
	args := []any{}
	if beforeID != "" {
		query += ` WHERE (ts < ?) OR (ts = ? AND id < ?)`
		args = append(args, beforeTS, beforeTS, beforeID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, utils.Wrap(err, "list announces")
	}
	defer rows.Close()

	var out []Announce
	for rows.Next() {
		var a Announce
		if err := rows.Scan(&a.ID, &a.Peer, &a.Timestamp, &a.DisplayName, &a.NameSource, &a.FirstSeen, &a.SeenCount, &a.AppData, &a.Capabilities, &a.Signal, &a.StampCost); err != nil {
			return nil, utils.Wrap(err, "scan announce")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearAnnounces deletes every announce row.
func (s *Store) ClearAnnounces() error {
	if _, err := s.db.Exec(`DELETE FROM announces`); err != nil {
		return utils.Wrap(err, "clear announces")
	}
	return nil
}

// GetSDKDomainSnapshot fetches the single persisted snapshot blob, if any.
func (s *Store) GetSDKDomainSnapshot() ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM sdk_domain_snapshot WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, utils.Wrap(err, "get sdk domain snapshot")
	}
	return blob, true, nil
}

// PutSDKDomainSnapshot overwrites the single persisted snapshot blob.
func (s *Store) PutSDKDomainSnapshot(blob []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO sdk_domain_snapshot(id, blob) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`, blob)
	if err != nil {
		return utils.Wrap(err, "put sdk domain snapshot")
	}
	return nil
}

func parseTSIDCursor(cursor string) (int64, string, error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("store: malformed cursor %q", cursor)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("store: malformed cursor %q: %w", cursor, err)
	}
	return ts, parts[1], nil
}
