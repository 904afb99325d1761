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

// Package store is the local mail store: one maildir per (backend,
// mailbox) holding the message files, and a SQLite index holding the
// per-entry metadata and the sync cursors.
//
// A message file is staged in the maildir's tmp/ directory and renamed
// into cur/ before its index row is written.  An entry exists for
// readers only once the index transaction that names it commits, so a
// crash at any point leaves either nothing visible or a complete entry.
// Debris from such crashes is removed by Scrub.
package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/persist"
)

var (
	ErrNotFound = errors.New("message not found in local store")

	// ErrStoreCorruption is matched (with errors.Is) by every
	// *CorruptionError.
	ErrStoreCorruption = errors.New("local store corruption")
)

// CorruptionError reports an index entry whose file is missing or
// unreadable.
type CorruptionError struct {
	Backend string
	Mailbox string
	Key     string
	Err     error
}

func (e *CorruptionError) Error() string {
	return "store corruption in " + e.Backend + "/" + e.Mailbox + " entry " + e.Key + ": " + e.Err.Error()
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrStoreCorruption }

// Origin records how an entry came to be in the store.
type Origin string

const (
	Received Origin = "received"
	Sent     Origin = "sent"
	Drafted  Origin = "draft"
)

// Entry is the metadata of one stored message.  The message content
// is loaded with Read.
type Entry struct {
	ID       int64
	Backend  string
	Mailbox  string
	Key      string
	Envelope message.Envelope
	Flags    message.Flags
	FlagsAt  time.Time
	SyncedAt time.Time
	Hash     string
	Origin   Origin
}

// Pending is a message staged for Put or Commit.
type Pending struct {
	Message *message.Message

	// The deduplication hash.  If empty it is computed from Message.
	// The sync engine sets it to the hash of the message as fetched,
	// before any plugin transformed it, so that a later fetch of the
	// same remote message deduplicates against it.
	Hash string
}

// PutResult says what Put or Commit did with one Pending message.
type PutResult int

const (
	// A new entry was created.
	Stored PutResult = iota

	// An entry with the same remote identifier already existed;
	// nothing changed.
	Present

	// An entry with the same content hash existed under another
	// identifier; the flags were merged into it and the identifier
	// recorded as an alias.
	Merged
)

func (r PutResult) String() string {
	switch r {
	case Stored:
		return "stored"
	case Present:
		return "present"
	case Merged:
		return "merged"
	}
	return "unknown"
}

type Store struct {
	root string
	db   *persist.DB
	log  *zap.Logger

	// Returns the current time.  Replaced in tests.
	now func() time.Time

	mu      sync.Mutex
	writers map[string]*sync.Mutex
}

// Open opens (creating if needed) the store rooted at root.
func Open(ctx context.Context, root string, log *zap.Logger) (*Store, error) {
	if err := mkdirAll(root); err != nil {
		return nil, errors.Wrapf(err, "unable to create store root %q", root)
	}
	db, err := persist.Open(ctx, filepath.Join(root, "index.db"), log.Named("persist"))
	if err != nil {
		return nil, err
	}
	return &Store{
		root:    root,
		db:      db,
		log:     log,
		now:     time.Now,
		writers: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// lockMailbox acquires the single writer lock of a mailbox and
// returns the function that releases it.
func (s *Store) lockMailbox(backend, mailbox string) func() {
	key := backend + "\x00" + mailbox
	s.mu.Lock()
	mu, ok := s.writers[key]
	if !ok {
		mu = &sync.Mutex{}
		s.writers[key] = mu
	}
	s.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// maildir returns the maildir of a mailbox, creating it if needed.
func (s *Store) maildir(backend, mailbox string) (maildir.Dir, error) {
	path := mailboxPath(s.root, backend, mailbox)
	dir := maildir.Dir(path)
	if err := isDir(filepath.Join(path, "cur")); err == nil {
		return dir, nil
	}
	if err := mkdirAll(path); err != nil {
		return "", errors.Wrapf(err, "unable to create mailbox directory %q", path)
	}
	if err := dir.Init(); err != nil {
		return "", errors.Wrapf(err, "unable to initialize maildir %q", path)
	}
	return dir, nil
}

func maildirFlags(f message.Flags) []maildir.Flag {
	letters := f.MaildirLetters()
	out := make([]maildir.Flag, len(letters))
	for i, r := range letters {
		out[i] = maildir.Flag(r)
	}
	return out
}

func flagsFromMaildir(flags []maildir.Flag) message.Flags {
	letters := make([]rune, len(flags))
	for i, f := range flags {
		letters[i] = rune(f)
	}
	return message.FlagsFromMaildir(letters)
}

func entryFromRow(row *persist.Entry) *Entry {
	e := &Entry{
		ID:      row.ID,
		Backend: row.Backend,
		Mailbox: row.Mailbox,
		Key:     row.Key,
		Envelope: message.Envelope{
			From:      row.Sender,
			Subject:   row.Subject,
			MessageID: row.MessageID,
		},
		Flags:    message.Flags(row.Flags),
		FlagsAt:  time.Unix(0, row.FlagsAt),
		SyncedAt: time.Unix(0, row.SyncedAt),
		Hash:     row.Hash,
		Origin:   Origin(row.Origin),
	}
	if row.Recipients != "" {
		e.Envelope.To = strings.Split(row.Recipients, "\n")
	}
	if row.Date != 0 {
		e.Envelope.Date = time.Unix(row.Date, 0)
	}
	if row.UID.Valid {
		e.Envelope.UID = message.UID(row.UID.Int64)
	}
	return e
}

func rowFromMessage(backend, mailbox string, m *message.Message, hash string, origin Origin, now time.Time) *persist.Entry {
	row := &persist.Entry{
		Backend:    backend,
		Mailbox:    mailbox,
		Hash:       hash,
		Origin:     string(origin),
		Flags:      int64(m.Flags),
		FlagsAt:    now.UnixNano(),
		SyncedAt:   now.UnixNano(),
		MessageID:  m.Envelope.MessageID,
		Sender:     m.Envelope.From,
		Recipients: strings.Join(m.Envelope.To, "\n"),
		Subject:    m.Envelope.Subject,
	}
	if !m.Envelope.Date.IsZero() {
		row.Date = m.Envelope.Date.Unix()
	}
	if m.Envelope.UID != 0 {
		row.UID.Int64 = int64(m.Envelope.UID)
		row.UID.Valid = true
	}
	return row
}
