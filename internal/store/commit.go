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
	"os"

	"github.com/emersion/go-maildir"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/persist"
)

// Put stores a single message.  It is Commit of a one-message batch
// without a cursor.
func (s *Store) Put(ctx context.Context, backend, mailbox string, p Pending) (*Entry, PutResult, error) {
	var out *Entry
	results, err := s.commit(ctx, backend, mailbox, []Pending{p}, nil, func(e *Entry) { out = e })
	if err != nil {
		return nil, 0, err
	}
	return out, results[0], nil
}

// Commit stores a batch of messages and, if cursor is not nil, writes
// the mailbox cursor, all in one index transaction.  Either every
// message of the batch and the cursor become visible, or none of them
// do.
//
// A message whose remote identifier is already known is left alone.
// A message whose content hash matches an existing entry of the
// mailbox is merged into it: the flags are combined and the new
// identifier becomes an alias of the entry.  This applies to
// duplicates within the batch as well.
func (s *Store) Commit(ctx context.Context, backend, mailbox string, batch []Pending, cursor *message.Cursor) ([]PutResult, error) {
	return s.commit(ctx, backend, mailbox, batch, cursor, nil)
}

// flagUpdate is a maildir rename to perform once the index agrees.
type flagUpdate struct {
	key   string
	flags message.Flags
}

func (s *Store) commit(ctx context.Context, backend, mailbox string, batch []Pending, cursor *message.Cursor, last func(*Entry)) (results []PutResult, err error) {
	unlock := s.lockMailbox(backend, mailbox)
	defer unlock()

	dir, err := s.maildir(backend, mailbox)
	if err != nil {
		return nil, err
	}

	// Files published into cur/ by this commit.  They are removed if
	// the index transaction does not commit.
	var published []*maildir.Message
	defer func() {
		if err == nil {
			return
		}
		for _, m := range published {
			if rmErr := m.Remove(); rmErr != nil && !os.IsNotExist(rmErr) {
				s.log.Warn("unable to remove file of failed commit",
					zap.String("file", m.Filename()), zap.Error(rmErr))
			}
		}
	}()

	now := s.now()
	results = make([]PutResult, len(batch))
	var updates []flagUpdate

	err = s.db.Update(ctx, func(tx *persist.Tx) error {
		if cursor != nil {
			validity, _, err := tx.Cursor(ctx, backend, mailbox)
			if err != nil {
				return err
			}
			if validity != 0 && validity != cursor.UIDValidity {
				s.log.Info("uid validity changed, forgetting old identifiers",
					zap.String("backend", backend), zap.String("mailbox", mailbox),
					zap.Uint32("old", validity), zap.Uint32("new", cursor.UIDValidity))
				if err := tx.ClearUIDs(ctx, backend, mailbox); err != nil {
					return err
				}
			}
		}
		for i, p := range batch {
			if p.Message == nil {
				return errors.Errorf("batch item %d has no message", i)
			}
			uid := p.Message.Envelope.UID
			if uid != 0 {
				row, err := tx.EntryByUID(ctx, backend, mailbox, uint32(uid))
				if err == nil {
					results[i] = Present
					if last != nil {
						last(entryFromRow(row))
					}
					continue
				}
				if err != persist.ErrNotFound {
					return err
				}
			}

			hash := p.Hash
			if hash == "" {
				hash = message.Hash(p.Message)
			}
			row, err := tx.EntryByHash(ctx, backend, mailbox, hash)
			switch {
			case err == nil:
				merged := message.Flags(row.Flags) | p.Message.Flags
				if merged != message.Flags(row.Flags) {
					if err := tx.UpdateFlags(ctx, row.ID, int64(merged), now); err != nil {
						return err
					}
					row.Flags = int64(merged)
					row.FlagsAt = now.UnixNano()
					updates = append(updates, flagUpdate{row.Key, merged})
				}
				if uid != 0 {
					if err := tx.AddAlias(ctx, backend, mailbox, uint32(uid), row.ID); err != nil {
						return err
					}
				}
				results[i] = Merged
				if last != nil {
					last(entryFromRow(row))
				}
				continue
			case err != persist.ErrNotFound:
				return err
			}

			m, err := publish(dir, p.Message)
			if err != nil {
				return err
			}
			published = append(published, m)

			row = rowFromMessage(backend, mailbox, p.Message, hash, Received, now)
			row.Key = m.Key()
			if _, err := tx.InsertEntry(ctx, row); err != nil {
				return err
			}
			results[i] = Stored
			if last != nil {
				last(entryFromRow(row))
			}
		}

		if cursor != nil {
			return tx.WriteCursor(ctx, backend, mailbox, cursor.UIDValidity, uint32(cursor.LastUID), now)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to commit %d messages to %s/%s", len(batch), backend, mailbox)
	}

	s.renameFlags(dir, updates)
	return results, nil
}

// SaveLocal stores a message that has no remote identifier, such as a
// sent copy or a draft.  No deduplication is done.
func (s *Store) SaveLocal(ctx context.Context, backend, mailbox string, origin Origin, msg *message.Message) (e *Entry, err error) {
	unlock := s.lockMailbox(backend, mailbox)
	defer unlock()

	dir, err := s.maildir(backend, mailbox)
	if err != nil {
		return nil, err
	}
	local := msg.Clone()
	local.Envelope.UID = 0

	m, err := publish(dir, local)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			multierr.AppendInto(&err, m.Remove())
		}
	}()

	row := rowFromMessage(backend, mailbox, local, message.Hash(local), origin, s.now())
	row.Key = m.Key()
	err = s.db.Update(ctx, func(tx *persist.Tx) error {
		_, err := tx.InsertEntry(ctx, row)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to save %s message to %s/%s", origin, backend, mailbox)
	}
	return entryFromRow(row), nil
}

// publish writes msg into dir's tmp/ and renames it into cur/ with
// its flags in the file name.
func publish(dir maildir.Dir, msg *message.Message) (*maildir.Message, error) {
	m, w, err := dir.Create(maildirFlags(msg.Flags))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create message file")
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		w.Close()
		m.Remove()
		return nil, errors.Wrap(err, "unable to write message file")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to publish message file")
	}
	return m, nil
}

// renameFlags mirrors committed flag changes into the file names.  The
// index is authoritative for flags, so a failure here is only logged.
func (s *Store) renameFlags(dir maildir.Dir, updates []flagUpdate) {
	for _, u := range updates {
		m, err := dir.MessageByKey(u.key)
		if err == nil {
			err = m.SetFlags(maildirFlags(u.flags))
		}
		if err != nil {
			s.log.Warn("unable to update maildir flags",
				zap.String("dir", string(dir)), zap.String("key", u.key), zap.Error(err))
		}
	}
}
