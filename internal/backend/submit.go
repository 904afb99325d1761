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

package backend

import (
	"bytes"
	"context"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"github.com/matta/gotmail/internal/message"
)

// submitter hands a finished message to the outgoing mail system.
type submitter interface {
	submit(ctx context.Context, auth authenticator, msg *message.Message) (string, error)
}

type smtpSubmitter struct {
	addr   string
	useTLS bool
}

func (s *smtpSubmitter) submit(ctx context.Context, auth authenticator, msg *message.Message) (string, error) {
	from, to, err := routing(msg)
	if err != nil {
		return "", err
	}

	var c *smtp.Client
	if s.useTLS {
		c, err = smtp.DialTLS(s.addr, nil)
	} else {
		c, err = smtp.DialStartTLS(s.addr, nil)
	}
	if err != nil {
		return "", classify("smtp dial", err)
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	sc, err := auth.saslClient(ctx, s.addr)
	if err != nil {
		return "", classify("smtp auth", err)
	}
	if err := c.Auth(sc); err != nil {
		return "", classify("smtp auth", err)
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg.Bytes())); err != nil {
		return "", classify("smtp send", err)
	}
	// The message was accepted; a failed QUIT does not change that.
	c.Quit()
	return "", nil
}

// routing extracts the SMTP envelope from the message header.
func routing(msg *message.Message) (string, []string, error) {
	from, err := mail.ParseAddress(msg.Envelope.From)
	if err != nil {
		return "", nil, &Error{Kind: Permanent, Op: "smtp send", Err: errors.Wrapf(err, "invalid sender %q", msg.Envelope.From)}
	}
	var to []string
	for _, addr := range msg.Envelope.To {
		a, err := mail.ParseAddress(addr)
		if err != nil {
			return "", nil, &Error{Kind: Permanent, Op: "smtp send", Err: errors.Wrapf(err, "invalid recipient %q", addr)}
		}
		to = append(to, a.Address)
	}
	if len(to) == 0 {
		return "", nil, &Error{Kind: Permanent, Op: "smtp send", Err: message.ErrNoRecipients}
	}
	return from.Address, to, nil
}

// gmailSender is the part of gmail.Service used for submission.
type gmailSender interface {
	Send(ctx context.Context, raw []byte) (string, error)
}

type gmailSubmitter struct {
	svc gmailSender
}

func (s *gmailSubmitter) submit(ctx context.Context, auth authenticator, msg *message.Message) (string, error) {
	id, err := s.svc.Send(ctx, msg.Bytes())
	if err != nil {
		return "", classify("gmail send", err)
	}
	return id, nil
}
