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

package sync

// This file provides the common data objects used by the rest of the
// package.

import (
	"context"
	"fmt"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/hook"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/plugin"
	"github.com/matta/gotmail/internal/store"
)

// Account is a backend and the local mailboxes it feeds.
type Account struct {
	Backend backend.Backend

	// Remote mailboxes to synchronize.  Empty means all of them.
	Mailboxes []string

	// Local mailboxes for sent copies and unsent drafts.
	SentMailbox   string
	DraftsMailbox string
}

// Hooks runs the plugins of a hook point.  *hook.Pipeline implements
// it.
type Hooks interface {
	Run(ctx context.Context, pt plugin.Point, t backend.Type, msg *message.Message) *hook.Result
}

type noHooks struct{}

func (noHooks) Run(ctx context.Context, pt plugin.Point, t backend.Type, msg *message.Message) *hook.Result {
	return &hook.Result{Message: msg}
}

// State is where a mailbox is in its synchronization cycle.
type State int

const (
	Idle State = iota
	Fetching
	Reconciling
	Committing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Reconciling:
		return "reconciling"
	case Committing:
		return "committing"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type mailboxKey struct {
	backend, mailbox string
}

func (k mailboxKey) String() string { return k.backend + "/" + k.mailbox }

// CycleReport describes one receive cycle of a mailbox.
type CycleReport struct {
	Backend string
	Mailbox string

	Batches int

	// Messages returned by the backend, including unparseable ones.
	Fetched int

	// New entries, hash duplicates merged into existing entries,
	// and messages that were already stored.
	Stored  int
	Merged  int
	Present int

	// Messages the backend could not parse.
	Skipped int

	// The cursor after the cycle.
	Cursor message.Cursor

	// Set if the mailbox UIDVALIDITY changed since the last cycle.
	ValidityReset bool

	// Plugin failures.  They never fail the cycle.
	Failures []*plugin.Failure

	// Result of the flag pass, if one ran.
	Flags store.FlagReport
}

func (r *CycleReport) String() string {
	return fmt.Sprintf("%s/%s: %d fetched, %d stored, %d merged, %d present, %d skipped, %d flag updates, %d expunged",
		r.Backend, r.Mailbox, r.Fetched, r.Stored, r.Merged, r.Present, r.Skipped, r.Flags.Updated, r.Flags.Expunged)
}

// SendResult describes a delivered message.
type SendResult struct {
	Receipt *backend.Receipt

	// The sent copy.
	Sent *store.Entry

	// Plugin failures during before_send and after_send.
	Failures []*plugin.Failure
}

// SendError is returned when a message could not be delivered.  The
// message was kept as a draft, which ResendDraft retries.
type SendError struct {
	Backend string

	// The stored draft.  Nil only if storing it failed too, in
	// which case Err says so.
	Draft *store.Entry

	Err error
}

func (e *SendError) Error() string {
	if e.Draft == nil {
		return fmt.Sprintf("send via %s failed: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("send via %s failed, kept as draft %s: %v", e.Backend, e.Draft.Key, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
