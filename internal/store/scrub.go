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
	"path/filepath"

	"github.com/emersion/go-maildir"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/persist"
)

// ScrubReport summarizes a Scrub pass.
type ScrubReport struct {
	// Published files with no index entry, removed.
	Orphans int

	// Index entries whose file is missing, one *CorruptionError
	// each.  They are reported, not repaired.
	Corrupt []error
}

// Scrub removes the debris a crash can leave behind: files renamed
// into cur/ whose index transaction never committed, and stale files
// in tmp/.  It also checks that every index entry has its file.
func (s *Store) Scrub(ctx context.Context) (ScrubReport, error) {
	var report ScrubReport
	backends, err := os.ReadDir(s.root)
	if err != nil {
		return report, errors.Wrapf(err, "unable to read store root %q", s.root)
	}
	var errs error
	for _, b := range backends {
		if !b.IsDir() {
			continue
		}
		backend, err := unescape(b.Name())
		if err != nil {
			s.log.Warn("skipping unrecognized directory", zap.String("dir", b.Name()))
			continue
		}
		mailboxes, err := os.ReadDir(filepath.Join(s.root, b.Name()))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, mb := range mailboxes {
			if !mb.IsDir() {
				continue
			}
			mailbox, err := unescape(mb.Name())
			if err != nil {
				s.log.Warn("skipping unrecognized directory",
					zap.String("dir", filepath.Join(b.Name(), mb.Name())))
				continue
			}
			if err := s.scrubMailbox(ctx, backend, mailbox, &report); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return report, errs
}

func (s *Store) scrubMailbox(ctx context.Context, backend, mailbox string, report *ScrubReport) error {
	unlock := s.lockMailbox(backend, mailbox)
	defer unlock()

	log := s.log.With(zap.String("backend", backend), zap.String("mailbox", mailbox))
	dir := maildir.Dir(mailboxPath(s.root, backend, mailbox))
	if err := dir.Clean(); err != nil {
		log.Warn("unable to clean maildir staging area", zap.Error(err))
	}

	var rows []*persist.Entry
	err := s.view(ctx, func(tx *persist.Tx) error {
		var err error
		rows, err = tx.ListEntries(ctx, backend, mailbox)
		return err
	})
	if err != nil {
		return err
	}
	indexed := make(map[string]bool, len(rows))
	for _, row := range rows {
		indexed[row.Key] = true
	}

	onDisk := make(map[string]bool)
	err = dir.Walk(func(m *maildir.Message) error {
		key := m.Key()
		onDisk[key] = true
		if indexed[key] {
			return nil
		}
		log.Info("removing orphaned message file", zap.String("file", m.Filename()))
		if err := m.Remove(); err != nil && !os.IsNotExist(err) {
			return err
		}
		report.Orphans++
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "unable to scrub %s/%s", backend, mailbox)
	}

	for _, row := range rows {
		if !onDisk[row.Key] {
			report.Corrupt = append(report.Corrupt, &CorruptionError{
				Backend: backend,
				Mailbox: mailbox,
				Key:     row.Key,
				Err:     errors.New("message file is missing"),
			})
		}
	}
	return nil
}
