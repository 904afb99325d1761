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

package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"time"

	"github.com/emersion/go-message/mail"
)

// UID is the identifier a backend assigns to a message.  For IMAP this
// is the message UID, unique within a mailbox for as long as the
// mailbox's UIDVALIDITY does not change.  Zero means "no remote
// identifier", which is the case for messages that only exist locally
// (sent copies and drafts).
type UID uint32

// Cursor records the last successfully synchronized remote state of
// one (backend, mailbox) pair.
type Cursor struct {
	// The mailbox UIDVALIDITY the identifiers below belong to.  Zero
	// if the mailbox has never been synchronized.
	UIDValidity uint32

	// The highest UID durably committed to the local store.
	LastUID UID
}

// Envelope holds the immutable identifying fields of a message.
type Envelope struct {
	From      string
	To        []string
	Subject   string
	Date      time.Time
	MessageID string

	// The remote identifier, if the message came from a backend.
	UID UID
}

// Message is a complete message: the envelope, the full header it was
// parsed from, the body and the mutable flag set.
type Message struct {
	Envelope Envelope

	// The complete RFC 5322 header.  Fields other than the envelope
	// fields are preserved verbatim so that a stored message
	// round-trips.
	Header mail.Header

	// Everything after the header/body separator.
	Body []byte

	Flags Flags
}

// FlagSnapshot is a set of flags observed on a backend at a point in
// time.
type FlagSnapshot struct {
	Flags Flags
	At    time.Time
}

// Composition holds the content of a message being composed.
type Composition struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Clone returns a deep copy of m, safe to hand to code that may
// modify it.
func (m *Message) Clone() *Message {
	c := &Message{
		Envelope: m.Envelope,
		Header:   copyHeader(m.Header),
		Body:     append([]byte(nil), m.Body...),
		Flags:    m.Flags,
	}
	c.Envelope.To = append([]string(nil), m.Envelope.To...)
	return c
}
