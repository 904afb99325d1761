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

// Package backend talks to remote mail accounts.  Every account is an
// IMAP server for reading and an SMTP server (or, for Gmail, the REST
// API) for sending; the two backend types differ only in how they
// authenticate.
package backend

import (
	"context"
	"time"

	"github.com/matta/gotmail/internal/message"
)

// Type names the authentication variant of a backend.  Plugins
// declare the types they apply to.
type Type string

const (
	OAuth2   Type = "oauth2"
	Password Type = "password"
)

// Batch is the result of one FetchSince call.
type Batch struct {
	// The mailbox UIDVALIDITY the identifiers belong to.
	Validity uint32

	// Messages in ascending UID order.
	Messages []*message.Message

	// Identifiers fetched but not returned because the message
	// could not be parsed.  They count toward the high-water mark
	// so that one bad message does not stall the mailbox.
	Skipped []message.UID
}

// HighWater returns the highest identifier in the batch, or zero.
func (b *Batch) HighWater() message.UID {
	var hw message.UID
	for _, m := range b.Messages {
		if m.Envelope.UID > hw {
			hw = m.Envelope.UID
		}
	}
	for _, uid := range b.Skipped {
		if uid > hw {
			hw = uid
		}
	}
	return hw
}

// Len returns the number of identifiers the batch covers.
func (b *Batch) Len() int {
	return len(b.Messages) + len(b.Skipped)
}

// Receipt acknowledges a submitted message.
type Receipt struct {
	// The server's identifier for the submission, if it gave one.
	ID string
	At time.Time
}

// Backend is one remote mail account.  All errors are *Error.
type Backend interface {
	Name() string
	Type() Type

	ListMailboxes(ctx context.Context) ([]string, error)

	// FetchSince returns up to limit messages with identifiers
	// above cursor.LastUID, ascending.  If the mailbox UIDVALIDITY
	// is not cursor.UIDValidity (and the latter is not zero) the
	// identifiers are from a new epoch and it fetches from the start
	// of the mailbox.  Calling it twice with the same cursor returns
	// the same messages, barring new mail.
	FetchSince(ctx context.Context, mailbox string, cursor message.Cursor, limit int) (*Batch, error)

	// FetchFlags returns the current flags of the given messages.
	// Identifiers no longer on the server are omitted.
	FetchFlags(ctx context.Context, mailbox string, uids []message.UID) (map[message.UID]message.FlagSnapshot, error)

	Send(ctx context.Context, msg *message.Message) (*Receipt, error)

	Close() error
}
