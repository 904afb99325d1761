// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist holds the SQLite index that sits next to the maildir
// files of the local store: one row per local entry, remote identifier
// aliases produced by deduplication, and the per-mailbox sync cursors.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("no such entry")

	// ErrCursorRegression is returned when a cursor write would move
	// the cursor backwards within the same UIDVALIDITY.
	ErrCursorRegression = errors.New("attempt to decrease the sync cursor")
)

var (
	createTableSql = []string{
		// The entries table holds one row per message in the local
		// store.
		//
		// Field: uid
		//
		//   The backend's identifier for the message in (backend,
		//   mailbox).  NULL for messages that only exist locally:
		//   sent copies and drafts.
		//
		// Field: maildir_key
		//
		//   The maildir key of the published file.  A row is only
		//   inserted after the file has been renamed out of tmp/, so
		//   every row names a complete file.
		//
		// Field: hash
		//
		//   The content hash used for deduplication.  See
		//   message.Hash.
		//
		// Field: origin
		//
		//   One of "received", "sent" or "draft".
		//
		// Field: flags, flags_at
		//
		//   The flag bit set and the time (unix nanoseconds) it was
		//   last changed, locally or by a remote snapshot.  Used for
		//   last-writer-wins flag merging.
		//
		// Field: synced_at
		//
		//   When the entry was materialized locally (unix
		//   nanoseconds).  Drives "recently touched" selection for
		//   flag synchronization.
		//
		// Fields: message_id, sender, recipients, subject, date
		//
		//   Parsed envelope, cached so listing does not need to
		//   open every file.
		`
CREATE TABLE IF NOT EXISTS entries (
id INTEGER PRIMARY KEY AUTOINCREMENT,
backend TEXT NOT NULL,
mailbox TEXT NOT NULL,
uid INTEGER,
maildir_key TEXT NOT NULL,
hash TEXT NOT NULL,
origin TEXT NOT NULL,
flags INTEGER NOT NULL,
flags_at INTEGER NOT NULL,
synced_at INTEGER NOT NULL,
message_id TEXT NOT NULL,
sender TEXT NOT NULL,
recipients TEXT NOT NULL,
subject TEXT NOT NULL,
date INTEGER NOT NULL,
UNIQUE (backend, mailbox, uid),
UNIQUE (backend, mailbox, maildir_key)
);`,
		`CREATE INDEX IF NOT EXISTS entries_hash ON entries (backend, mailbox, hash);`,
		`CREATE INDEX IF NOT EXISTS entries_message_id ON entries (message_id);`,
		// The entry_aliases table maps additional remote
		// identifiers to an existing entry.  A row is added when a
		// fetched message hashes the same as an entry stored under
		// a different uid, e.g. after a UIDVALIDITY change.
		`
CREATE TABLE IF NOT EXISTS entry_aliases (
backend TEXT NOT NULL,
mailbox TEXT NOT NULL,
uid INTEGER NOT NULL,
entry_id INTEGER NOT NULL,
PRIMARY KEY (backend, mailbox, uid)
FOREIGN KEY (entry_id) REFERENCES entries (id)
);`,
		// The sync_cursors table holds the watermark for each
		// (backend, mailbox).  It is only written in the same
		// transaction that inserts the batch it covers.
		`
CREATE TABLE IF NOT EXISTS sync_cursors (
backend TEXT NOT NULL,
mailbox TEXT NOT NULL,
uid_validity INTEGER NOT NULL,
last_uid INTEGER NOT NULL,
updated_at INTEGER NOT NULL,
PRIMARY KEY (backend, mailbox)
);`,
	}
)

// Entry is a row of the entries table.
type Entry struct {
	ID         int64         `db:"id"`
	Backend    string        `db:"backend"`
	Mailbox    string        `db:"mailbox"`
	UID        sql.NullInt64 `db:"uid"`
	Key        string        `db:"maildir_key"`
	Hash       string        `db:"hash"`
	Origin     string        `db:"origin"`
	Flags      int64         `db:"flags"`
	FlagsAt    int64         `db:"flags_at"`
	SyncedAt   int64         `db:"synced_at"`
	MessageID  string        `db:"message_id"`
	Sender     string        `db:"sender"`
	Recipients string        `db:"recipients"`
	Subject    string        `db:"subject"`
	Date       int64         `db:"date"`
}

// Mailbox names a (backend, mailbox) pair present in the index.
type Mailbox struct {
	Backend string `db:"backend"`
	Mailbox string `db:"mailbox"`
}

type DB struct {
	db  *sqlx.DB
	log *zap.Logger
}

type Tx struct {
	tx *sqlx.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, log *zap.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_txlock":       {"immediate"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Debug("opening database", zap.String("dsn", dsn))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}
	// One writer at a time; the store serializes mailbox writers
	// above this, and a single connection keeps SQLITE_BUSY out of
	// the picture for readers too.
	db.SetMaxOpenConns(1)

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

// View runs fn in a transaction that is always rolled back.
func (db *DB) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a transaction that is committed if fn returns nil.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sqlx.DB, log *zap.Logger) error {
	for _, sql := range createTableSql {
		log.Debug("SQL Exec", zap.String("sql", sql))
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

const entryColumns = `id, backend, mailbox, uid, maildir_key, hash, origin, flags,
flags_at, synced_at, message_id, sender, recipients, subject, date`

func (tx *Tx) getEntry(ctx context.Context, q string, args ...interface{}) (*Entry, error) {
	var e Entry
	if err := tx.tx.GetContext(ctx, &e, q, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "db query failed")
	}
	return &e, nil
}

// EntryByUID finds the entry stored under uid, or aliased to it.
func (tx *Tx) EntryByUID(ctx context.Context, backend, mailbox string, uid uint32) (*Entry, error) {
	e, err := tx.getEntry(ctx, `SELECT `+entryColumns+` FROM entries
WHERE backend = $1 AND mailbox = $2 AND uid = $3`, backend, mailbox, uid)
	if err != ErrNotFound {
		return e, err
	}
	return tx.getEntry(ctx, `SELECT `+prefixed("e.", entryColumns)+`
FROM entries e JOIN entry_aliases a ON a.entry_id = e.id
WHERE a.backend = $1 AND a.mailbox = $2 AND a.uid = $3`, backend, mailbox, uid)
}

func (tx *Tx) EntryByHash(ctx context.Context, backend, mailbox, hash string) (*Entry, error) {
	return tx.getEntry(ctx, `SELECT `+entryColumns+` FROM entries
WHERE backend = $1 AND mailbox = $2 AND hash = $3
ORDER BY id LIMIT 1`, backend, mailbox, hash)
}

func (tx *Tx) EntryByKey(ctx context.Context, backend, mailbox, key string) (*Entry, error) {
	return tx.getEntry(ctx, `SELECT `+entryColumns+` FROM entries
WHERE backend = $1 AND mailbox = $2 AND maildir_key = $3`, backend, mailbox, key)
}

// EntryByMessageID finds the oldest entry with the given Message-ID in
// any mailbox.
func (tx *Tx) EntryByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	return tx.getEntry(ctx, `SELECT `+entryColumns+` FROM entries
WHERE message_id = $1 ORDER BY id LIMIT 1`, messageID)
}

func (tx *Tx) InsertEntry(ctx context.Context, e *Entry) (int64, error) {
	res, err := tx.tx.NamedExecContext(ctx, `INSERT INTO entries
(backend, mailbox, uid, maildir_key, hash, origin, flags, flags_at, synced_at,
 message_id, sender, recipients, subject, date)
VALUES
(:backend, :mailbox, :uid, :maildir_key, :hash, :origin, :flags, :flags_at, :synced_at,
 :message_id, :sender, :recipients, :subject, :date)`, e)
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "db insert id failed")
	}
	e.ID = id
	return id, nil
}

func (tx *Tx) AddAlias(ctx context.Context, backend, mailbox string, uid uint32, entryID int64) error {
	_, err := tx.tx.ExecContext(ctx, `INSERT OR REPLACE INTO entry_aliases
(backend, mailbox, uid, entry_id) VALUES ($1, $2, $3, $4)`, backend, mailbox, uid, entryID)
	return errors.Wrap(err, "db alias insert failed")
}

// ClearUIDs detaches every entry of a mailbox from its remote
// identifier.  It is used when the mailbox's UIDVALIDITY changes,
// after which the old identifiers may name different messages.
func (tx *Tx) ClearUIDs(ctx context.Context, backend, mailbox string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM entry_aliases
WHERE backend = $1 AND mailbox = $2`, backend, mailbox); err != nil {
		return errors.Wrap(err, "db alias clear failed")
	}
	_, err := tx.tx.ExecContext(ctx, `UPDATE entries SET uid = NULL
WHERE backend = $1 AND mailbox = $2`, backend, mailbox)
	return errors.Wrap(err, "db uid clear failed")
}

func (tx *Tx) UpdateFlags(ctx context.Context, id int64, flags int64, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `UPDATE entries SET (flags, flags_at) = ($1, $2)
WHERE id = $3`, flags, at.UnixNano(), id)
	return errors.Wrap(err, "db flag update failed")
}

func (tx *Tx) UpdateKey(ctx context.Context, id int64, key string) error {
	_, err := tx.tx.ExecContext(ctx, `UPDATE entries SET maildir_key = $1 WHERE id = $2`, key, id)
	return errors.Wrap(err, "db key update failed")
}

func (tx *Tx) DeleteEntry(ctx context.Context, id int64) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM entry_aliases WHERE entry_id = $1`, id); err != nil {
		return errors.Wrap(err, "db alias delete failed")
	}
	_, err := tx.tx.ExecContext(ctx, `DELETE FROM entries WHERE id = $1`, id)
	return errors.Wrap(err, "db delete failed")
}

// ListEntries returns the entries of a mailbox ordered by uid, with
// local-only entries last in insertion order.
func (tx *Tx) ListEntries(ctx context.Context, backend, mailbox string) ([]*Entry, error) {
	var out []*Entry
	err := tx.tx.SelectContext(ctx, &out, `SELECT `+entryColumns+` FROM entries
WHERE backend = $1 AND mailbox = $2
ORDER BY uid IS NULL, uid, id`, backend, mailbox)
	return out, errors.Wrap(err, "db list failed")
}

// RecentUIDs returns up to n remote identifiers of the most recently
// materialized entries of a mailbox, newest first.
func (tx *Tx) RecentUIDs(ctx context.Context, backend, mailbox string, n int) ([]uint32, error) {
	var out []uint32
	err := tx.tx.SelectContext(ctx, &out, `SELECT uid FROM entries
WHERE backend = $1 AND mailbox = $2 AND uid IS NOT NULL
ORDER BY synced_at DESC, uid DESC LIMIT $3`, backend, mailbox, n)
	return out, errors.Wrap(err, "db recent query failed")
}

// Mailboxes lists every (backend, mailbox) pair with entries.
func (tx *Tx) Mailboxes(ctx context.Context) ([]Mailbox, error) {
	var out []Mailbox
	err := tx.tx.SelectContext(ctx, &out, `SELECT DISTINCT backend, mailbox FROM entries
ORDER BY backend, mailbox`)
	return out, errors.Wrap(err, "db mailbox query failed")
}

// Cursor returns the stored cursor, or zeros if there is none.
func (tx *Tx) Cursor(ctx context.Context, backend, mailbox string) (validity uint32, lastUID uint32, err error) {
	row := tx.tx.QueryRowxContext(ctx, `SELECT uid_validity, last_uid FROM sync_cursors
WHERE backend = $1 AND mailbox = $2`, backend, mailbox)
	if err := row.Scan(&validity, &lastUID); err != nil {
		if err == sql.ErrNoRows {
			err = nil // a non-error
		}
		return 0, 0, err
	}
	return validity, lastUID, nil
}

// WriteCursor stores a cursor.  Writing the current value is a no-op,
// so that a cycle with nothing new leaves the table untouched.  Within
// one UIDVALIDITY the cursor may only move forward; a new UIDVALIDITY
// replaces it.
func (tx *Tx) WriteCursor(ctx context.Context, backend, mailbox string, validity, lastUID uint32, now time.Time) error {
	curValidity, curLast, err := tx.Cursor(ctx, backend, mailbox)
	if err != nil {
		return err
	}
	if curValidity == validity && curLast == lastUID {
		return nil
	}
	if curValidity == validity && lastUID < curLast {
		return errors.Wrapf(ErrCursorRegression, "%s/%s: %d -> %d", backend, mailbox, curLast, lastUID)
	}

	_, err = tx.tx.ExecContext(ctx, `INSERT INTO sync_cursors
(backend, mailbox, uid_validity, last_uid, updated_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (backend, mailbox)
DO UPDATE SET (uid_validity, last_uid, updated_at) = ($3, $4, $5)`,
		backend, mailbox, validity, lastUID, now.UnixNano())
	return errors.Wrap(err, "db cursor write failed")
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
