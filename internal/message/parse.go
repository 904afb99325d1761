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

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNoRecipients = errors.New("draft has no recipients")
	ErrNoSender     = errors.New("draft has no sender")
)

// Parse splits an RFC 5322 message into header and body and extracts
// the envelope.  Envelope fields that are missing or malformed are left
// empty; only an unreadable header is an error.
func Parse(raw []byte, uid UID) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read message header")
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read message body")
	}
	h := mail.Header{Header: gomessage.Header{Header: th}}
	m := &Message{
		Envelope: envelopeFromHeader(h),
		Header:   h,
		Body:     body,
	}
	m.Envelope.UID = uid
	return m, nil
}

func envelopeFromHeader(h mail.Header) Envelope {
	var env Envelope
	if from := addresses(h, "From"); len(from) > 0 {
		env.From = from[0]
	}
	env.To = addresses(h, "To")
	if s, err := h.Subject(); err == nil {
		env.Subject = s
	} else {
		env.Subject = h.Get("Subject")
	}
	if d, err := h.Date(); err == nil {
		env.Date = d
	}
	if id, err := h.MessageID(); err == nil {
		env.MessageID = id
	}
	return env
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		// Keep whatever the sender put there rather than nothing.
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			return []string{v}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a))
	}
	return out
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// Bytes returns the message in RFC 5322 form.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header.Header.Header); err != nil {
		// Writing to a bytes.Buffer does not fail.
		panic(err)
	}
	buf.Write(m.Body)
	return buf.Bytes()
}

// Build turns a draft into a message ready for the send path.
func Build(d *Composition, now time.Time) (*Message, error) {
	if strings.TrimSpace(d.From) == "" {
		return nil, ErrNoSender
	}
	if len(d.To) == 0 {
		return nil, ErrNoRecipients
	}
	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sender %q", d.From)
	}
	to := make([]*mail.Address, 0, len(d.To))
	for _, addr := range d.To {
		a, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid recipient %q", addr)
		}
		to = append(to, a)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(d.Subject)
	h.SetMessageID(uuid.NewString() + "@" + domain(from.Address))
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "text/plain; charset=utf-8")

	return &Message{
		Envelope: envelopeFromHeader(h),
		Header:   h,
		Body:     []byte(d.Body),
	}, nil
}

func domain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return "localhost"
}

func copyHeader(h mail.Header) mail.Header {
	return mail.Header{Header: gomessage.Header{Header: h.Header.Header.Copy()}}
}
