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
	"sort"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/persist"
)

// FlagReport summarizes an ApplyRemoteFlags call.
type FlagReport struct {
	Updated  int
	Expunged int

	// Snapshots for identifiers with no local entry.
	Unknown int
}

// MergeFlags combines local flags, last changed at localAt, with a
// remote snapshot.  The newer side wins, except that Deleted is
// sticky: an older snapshot never clears a local Deleted and a remote
// Deleted is never lost.
func MergeFlags(local message.Flags, localAt time.Time, remote message.FlagSnapshot) (message.Flags, time.Time) {
	if remote.At.After(localAt) {
		return remote.Flags, remote.At
	}
	if remote.Flags.Has(message.Deleted) {
		local |= message.Deleted
	}
	return local, localAt
}

// UpdateFlags sets the flags of an entry as a local change.
func (s *Store) UpdateFlags(ctx context.Context, backend, mailbox string, uid message.UID, flags message.Flags) error {
	unlock := s.lockMailbox(backend, mailbox)
	defer unlock()

	var key string
	err := s.db.Update(ctx, func(tx *persist.Tx) error {
		row, err := tx.EntryByUID(ctx, backend, mailbox, uint32(uid))
		if err != nil {
			return notFound(err)
		}
		key = row.Key
		return tx.UpdateFlags(ctx, row.ID, int64(flags), s.now())
	})
	if err != nil {
		return errors.Wrapf(err, "unable to update flags of %s/%s uid %d", backend, mailbox, uid)
	}
	s.renameFlags(maildir.Dir(mailboxPath(s.root, backend, mailbox)), []flagUpdate{{key, flags}})
	return nil
}

// ApplyRemoteFlags merges remote flag snapshots into the mailbox's
// entries with MergeFlags.  If expunge is set, entries whose merged
// flags include Deleted are removed.
func (s *Store) ApplyRemoteFlags(ctx context.Context, backend, mailbox string, snaps map[message.UID]message.FlagSnapshot, expunge bool) (FlagReport, error) {
	unlock := s.lockMailbox(backend, mailbox)
	defer unlock()

	uids := make([]message.UID, 0, len(snaps))
	for uid := range snaps {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var report FlagReport
	var updates []flagUpdate
	var removals []string
	err := s.db.Update(ctx, func(tx *persist.Tx) error {
		report = FlagReport{}
		updates, removals = nil, nil
		for _, uid := range uids {
			row, err := tx.EntryByUID(ctx, backend, mailbox, uint32(uid))
			if err == persist.ErrNotFound {
				report.Unknown++
				continue
			}
			if err != nil {
				return err
			}
			local := message.Flags(row.Flags)
			merged, at := MergeFlags(local, time.Unix(0, row.FlagsAt), snaps[uid])
			if expunge && merged.Has(message.Deleted) {
				if err := tx.DeleteEntry(ctx, row.ID); err != nil {
					return err
				}
				removals = append(removals, row.Key)
				report.Expunged++
				continue
			}
			if merged == local {
				continue
			}
			if err := tx.UpdateFlags(ctx, row.ID, int64(merged), at); err != nil {
				return err
			}
			updates = append(updates, flagUpdate{row.Key, merged})
			report.Updated++
		}
		return nil
	})
	if err != nil {
		return FlagReport{}, errors.Wrapf(err, "unable to apply remote flags to %s/%s", backend, mailbox)
	}

	dir := maildir.Dir(mailboxPath(s.root, backend, mailbox))
	s.renameFlags(dir, updates)
	s.removeFiles(dir, removals)
	return report, nil
}

// Remove expunges the entry stored under uid.
func (s *Store) Remove(ctx context.Context, backend, mailbox string, uid message.UID) error {
	return s.remove(ctx, backend, mailbox, func(tx *persist.Tx) (*persist.Entry, error) {
		return tx.EntryByUID(ctx, backend, mailbox, uint32(uid))
	})
}

// RemoveLocal expunges the entry with the given maildir key.  It is
// used for local-only entries, which have no remote identifier.
func (s *Store) RemoveLocal(ctx context.Context, backend, mailbox, key string) error {
	return s.remove(ctx, backend, mailbox, func(tx *persist.Tx) (*persist.Entry, error) {
		return tx.EntryByKey(ctx, backend, mailbox, key)
	})
}

func (s *Store) remove(ctx context.Context, backend, mailbox string, find func(*persist.Tx) (*persist.Entry, error)) error {
	unlock := s.lockMailbox(backend, mailbox)
	defer unlock()

	var key string
	err := s.db.Update(ctx, func(tx *persist.Tx) error {
		row, err := find(tx)
		if err != nil {
			return notFound(err)
		}
		key = row.Key
		return tx.DeleteEntry(ctx, row.ID)
	})
	if err != nil {
		return errors.Wrapf(err, "unable to remove entry from %s/%s", backend, mailbox)
	}
	s.removeFiles(maildir.Dir(mailboxPath(s.root, backend, mailbox)), []string{key})
	return nil
}

// removeFiles deletes the files of entries already gone from the
// index.  Leftovers are orphans that Scrub removes later.
func (s *Store) removeFiles(dir maildir.Dir, keys []string) {
	for _, key := range keys {
		m, err := dir.MessageByKey(key)
		if err == nil {
			err = m.Remove()
		}
		if err != nil && !os.IsNotExist(err) {
			s.log.Warn("unable to remove message file",
				zap.String("dir", string(dir)), zap.String("key", key), zap.Error(err))
		}
	}
}
