// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlitestream provides a SQLite-backed Transport implementation
// for multi-process deployments (TRANSPORT_TYPE=stream) that still want
// a single-file, dependency-free durable log rather than a standalone
// broker. A single-writer connection pool with WAL pragmas and
// migrate-on-open backs an append-only entries/groups/pending schema;
// polling reads stand in for blocking XREAD.
package sqlitestream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maestrohq/maestro/internal/stream"
)

// Compile-time interface assertion.
var _ stream.Transport = (*Transport)(nil)

// Config contains SQLite connection configuration for the stream store.
type Config struct {
	// Path is the database file path.
	Path string
	// WAL enables Write-Ahead Logging mode for concurrent readers.
	WAL bool
	// PollInterval is how often ReadGroup re-checks for new entries while
	// blocking; defaults to 25ms.
	PollInterval time.Duration
}

// Transport is a SQLite-backed Transport.
type Transport struct {
	db   *sql.DB
	poll time.Duration
}

// New opens (creating if necessary) a SQLite-backed stream transport.
func New(cfg Config) (*Transport, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("stream: open database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids lock-contention
	// errors under concurrent dispatcher loops.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("stream: connect: %w", err)
	}

	t := &Transport{db: db, poll: cfg.PollInterval}
	if t.poll <= 0 {
		t.poll = 25 * time.Millisecond
	}

	if err := t.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := t.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := t.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("stream: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (t *Transport) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_name TEXT NOT NULL,
			fields TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_stream ON entries(stream_name, id)`,
		`CREATE TABLE IF NOT EXISTS groups (
			stream_name TEXT NOT NULL,
			group_name TEXT NOT NULL,
			delivered_seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (stream_name, group_name)
		)`,
		`CREATE TABLE IF NOT EXISTS pending (
			stream_name TEXT NOT NULL,
			group_name TEXT NOT NULL,
			entry_id INTEGER NOT NULL,
			consumer TEXT NOT NULL,
			PRIMARY KEY (stream_name, group_name, entry_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := t.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("stream: migrate: %w", err)
		}
	}
	return nil
}

// GroupCreate implements stream.Transport.
func (t *Transport) GroupCreate(ctx context.Context, streamName, group, _ string, _ stream.GroupCreateOptions) error {
	var exists int
	err := t.db.QueryRowContext(ctx,
		`SELECT 1 FROM groups WHERE stream_name = ? AND group_name = ?`, streamName, group,
	).Scan(&exists)
	if err == nil {
		return stream.ErrGroupAlreadyExists
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("stream: group_create lookup: %w", err)
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO groups (stream_name, group_name, delivered_seq) VALUES (?, ?, 0)`, streamName, group,
	)
	if err != nil {
		return fmt.Errorf("stream: group_create insert: %w", err)
	}
	return nil
}

// ReadGroup implements stream.Transport, polling at t.poll intervals up
// to opts.BlockMS (standing in for a blocking XREADGROUP).
func (t *Transport) ReadGroup(ctx context.Context, group, consumer string, opts stream.ReadGroupOptions) ([]stream.Entry, error) {
	deadline := time.Now().Add(time.Duration(opts.BlockMS) * time.Millisecond)
	count := opts.Count
	if count <= 0 {
		count = 1
	}
	for {
		entries, err := t.tryRead(ctx, opts.Stream, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || opts.BlockMS <= 0 {
			return entries, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		timer := time.NewTimer(t.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *Transport) tryRead(ctx context.Context, streamName, group, consumer string, count int) ([]stream.Entry, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: read_group begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var delivered int64
	if err := tx.QueryRowContext(ctx,
		`SELECT delivered_seq FROM groups WHERE stream_name = ? AND group_name = ?`, streamName, group,
	).Scan(&delivered); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("stream: group %q does not exist on stream %q", group, streamName)
		}
		return nil, fmt.Errorf("stream: read_group lookup: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, fields FROM entries WHERE stream_name = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		streamName, delivered, count,
	)
	if err != nil {
		return nil, fmt.Errorf("stream: read_group select: %w", err)
	}
	var out []stream.Entry
	var maxID int64
	for rows.Next() {
		var id int64
		var rawFields string
		if err := rows.Scan(&id, &rawFields); err != nil {
			rows.Close()
			return nil, fmt.Errorf("stream: read_group scan: %w", err)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(rawFields), &fields); err != nil {
			rows.Close()
			return nil, fmt.Errorf("stream: decode fields: %w", err)
		}
		out = append(out, stream.Entry{ID: formatID(id), Fields: fields})
		if id > maxID {
			maxID = id
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, tx.Commit()
	}

	for _, e := range out {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO pending (stream_name, group_name, entry_id, consumer) VALUES (?, ?, ?, ?)`,
			streamName, group, parseID(e.ID), consumer,
		); err != nil {
			return nil, fmt.Errorf("stream: read_group pending insert: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE groups SET delivered_seq = ? WHERE stream_name = ? AND group_name = ?`, maxID, streamName, group,
	); err != nil {
		return nil, fmt.Errorf("stream: read_group advance cursor: %w", err)
	}
	return out, tx.Commit()
}

// Ack implements stream.Transport.
func (t *Transport) Ack(ctx context.Context, streamName, group, id string) error {
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM pending WHERE stream_name = ? AND group_name = ? AND entry_id = ?`,
		streamName, group, parseID(id),
	)
	if err != nil {
		return fmt.Errorf("stream: ack: %w", err)
	}
	return nil
}

// Append implements stream.Transport.
func (t *Transport) Append(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("stream: encode fields: %w", err)
	}
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO entries (stream_name, fields, created_at) VALUES (?, ?, ?)`,
		streamName, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("stream: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("stream: append last-insert-id: %w", err)
	}
	return formatID(id), nil
}

// Range implements stream.Transport.
func (t *Transport) Range(ctx context.Context, streamName, start, end string) ([]stream.Entry, error) {
	lo, hi := rangeBounds(start, end)
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, fields FROM entries WHERE stream_name = ? AND id >= ? AND id <= ? ORDER BY id ASC`,
		streamName, lo, hi,
	)
	if err != nil {
		return nil, fmt.Errorf("stream: range: %w", err)
	}
	defer rows.Close()

	var out []stream.Entry
	for rows.Next() {
		var id int64
		var rawFields string
		if err := rows.Scan(&id, &rawFields); err != nil {
			return nil, fmt.Errorf("stream: range scan: %w", err)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(rawFields), &fields); err != nil {
			return nil, fmt.Errorf("stream: decode fields: %w", err)
		}
		out = append(out, stream.Entry{ID: formatID(id), Fields: fields})
	}
	return out, rows.Err()
}

// Delete implements stream.Transport.
func (t *Transport) Delete(ctx context.Context, streamName string, ids ...string) error {
	for _, id := range ids {
		if _, err := t.db.ExecContext(ctx,
			`DELETE FROM entries WHERE stream_name = ? AND id = ?`, streamName, parseID(id),
		); err != nil {
			return fmt.Errorf("stream: delete: %w", err)
		}
	}
	return nil
}

// Close implements stream.Transport.
func (t *Transport) Close() error {
	return t.db.Close()
}

func formatID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func parseID(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

func rangeBounds(start, end string) (int64, int64) {
	lo := int64(0)
	hi := int64(1<<62 - 1)
	if start != stream.RangeStart {
		lo = parseID(start)
	}
	if end != stream.RangeEnd {
		hi = parseID(end)
	}
	return lo, hi
}
