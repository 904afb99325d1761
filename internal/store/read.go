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

package store

import (
	"context"
	"io"

	"github.com/emersion/go-maildir"
	"github.com/pkg/errors"

	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/persist"
)

func (s *Store) view(ctx context.Context, fn func(*persist.Tx) error) error {
	return s.db.View(ctx, fn)
}

func notFound(err error) error {
	if err == persist.ErrNotFound {
		return ErrNotFound
	}
	return err
}

// Get returns the entry stored under uid, or under an alias of uid.
func (s *Store) Get(ctx context.Context, backend, mailbox string, uid message.UID) (*Entry, error) {
	var e *Entry
	err := s.view(ctx, func(tx *persist.Tx) error {
		row, err := tx.EntryByUID(ctx, backend, mailbox, uint32(uid))
		if err != nil {
			return notFound(err)
		}
		e = entryFromRow(row)
		return nil
	})
	return e, err
}

// Lookup returns the entry with the given maildir key.
func (s *Store) Lookup(ctx context.Context, backend, mailbox, key string) (*Entry, error) {
	var e *Entry
	err := s.view(ctx, func(tx *persist.Tx) error {
		row, err := tx.EntryByKey(ctx, backend, mailbox, key)
		if err != nil {
			return notFound(err)
		}
		e = entryFromRow(row)
		return nil
	})
	return e, err
}

// Contains reports whether the mailbox holds a message with the given
// remote identifier or content hash.
func (s *Store) Contains(ctx context.Context, backend, mailbox string, uid message.UID, hash string) (bool, error) {
	found := false
	err := s.view(ctx, func(tx *persist.Tx) error {
		if uid != 0 {
			_, err := tx.EntryByUID(ctx, backend, mailbox, uint32(uid))
			if err == nil {
				found = true
				return nil
			}
			if err != persist.ErrNotFound {
				return err
			}
		}
		_, err := tx.EntryByHash(ctx, backend, mailbox, hash)
		if err == nil {
			found = true
			return nil
		}
		return notFound(err)
	})
	if err == ErrNotFound {
		err = nil
	}
	return found, err
}

// List returns the entries of a mailbox ordered by remote identifier,
// followed by local-only entries in the order they were saved.
func (s *Store) List(ctx context.Context, backend, mailbox string) ([]*Entry, error) {
	var out []*Entry
	err := s.view(ctx, func(tx *persist.Tx) error {
		rows, err := tx.ListEntries(ctx, backend, mailbox)
		if err != nil {
			return err
		}
		for _, row := range rows {
			out = append(out, entryFromRow(row))
		}
		return nil
	})
	return out, err
}

// LookupMessageID returns the oldest entry in any mailbox with the
// given Message-ID.
func (s *Store) LookupMessageID(ctx context.Context, messageID string) (*Entry, error) {
	var e *Entry
	err := s.view(ctx, func(tx *persist.Tx) error {
		row, err := tx.EntryByMessageID(ctx, messageID)
		if err != nil {
			return notFound(err)
		}
		e = entryFromRow(row)
		return nil
	})
	return e, err
}

// Recent returns up to n remote identifiers of the mailbox's most
// recently materialized entries.
func (s *Store) Recent(ctx context.Context, backend, mailbox string, n int) ([]message.UID, error) {
	var out []message.UID
	err := s.view(ctx, func(tx *persist.Tx) error {
		uids, err := tx.RecentUIDs(ctx, backend, mailbox, n)
		if err != nil {
			return err
		}
		for _, u := range uids {
			out = append(out, message.UID(u))
		}
		return nil
	})
	return out, err
}

// Cursor returns the mailbox's sync cursor, the zero Cursor if the
// mailbox was never synchronized.
func (s *Store) Cursor(ctx context.Context, backend, mailbox string) (message.Cursor, error) {
	var c message.Cursor
	err := s.view(ctx, func(tx *persist.Tx) error {
		validity, last, err := tx.Cursor(ctx, backend, mailbox)
		c = message.Cursor{UIDValidity: validity, LastUID: message.UID(last)}
		return err
	})
	return c, errors.Wrapf(err, "unable to read cursor of %s/%s", backend, mailbox)
}

// Read loads the content of an entry.  A missing, empty or
// unparseable file is reported as a *CorruptionError.
func (s *Store) Read(ctx context.Context, e *Entry) (*message.Message, error) {
	corrupt := func(err error) error {
		return &CorruptionError{Backend: e.Backend, Mailbox: e.Mailbox, Key: e.Key, Err: err}
	}
	dir := maildir.Dir(mailboxPath(s.root, e.Backend, e.Mailbox))
	m, err := dir.MessageByKey(e.Key)
	if err != nil {
		return nil, corrupt(err)
	}
	r, err := m.Open()
	if err != nil {
		return nil, corrupt(err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, corrupt(err)
	}
	if len(raw) == 0 {
		return nil, corrupt(errors.New("empty message file"))
	}
	msg, err := message.Parse(raw, e.Envelope.UID)
	if err != nil {
		return nil, corrupt(err)
	}
	msg.Flags = e.Flags
	return msg, nil
}
