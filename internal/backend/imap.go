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
	"context"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"

	"github.com/matta/gotmail/internal/message"
)

// fetched is one message as returned by the server.
type fetched struct {
	uid   message.UID
	flags message.Flags
	raw   []byte
}

// mailConn is an authenticated connection to a mail store.
type mailConn interface {
	List(ctx context.Context) ([]string, error)

	// Select opens a mailbox read-only and returns its UIDVALIDITY.
	Select(ctx context.Context, mailbox string) (uint32, error)

	// SearchFrom returns the identifiers >= start in the selected
	// mailbox.
	SearchFrom(ctx context.Context, start message.UID) ([]message.UID, error)

	// Fetch returns the flags, and if body is set the content, of
	// the given messages of the selected mailbox.
	Fetch(ctx context.Context, uids []message.UID, body bool) ([]fetched, error)

	Close() error
}

// dialFunc opens an authenticated connection.
type dialFunc func(ctx context.Context, auth authenticator) (mailConn, error)

type imapConn struct {
	c *imapclient.Client
}

// imapDialer returns a dialFunc for the IMAP server at addr.  If
// useTLS is false the connection is upgraded with STARTTLS.  Protocol
// traffic is copied to debug if it is not nil.
func imapDialer(addr string, useTLS bool, debug io.Writer) dialFunc {
	return func(ctx context.Context, auth authenticator) (mailConn, error) {
		opts := &imapclient.Options{DebugWriter: debug}
		var c *imapclient.Client
		var err error
		if useTLS {
			c, err = imapclient.DialTLS(addr, opts)
		} else {
			c, err = imapclient.DialStartTLS(addr, opts)
		}
		if err != nil {
			return nil, classify("imap dial", err)
		}
		conn := &imapConn{c: c}
		err = conn.watch(ctx, func() error {
			if auth.imapLogin() {
				return c.Login(auth.username(), auth.password()).Wait()
			}
			sc, err := auth.saslClient(ctx, addr)
			if err != nil {
				return err
			}
			return c.Authenticate(sc)
		})
		if err != nil {
			c.Close()
			return nil, loginError(err)
		}
		return conn, nil
	}
}

// loginError classifies a failed login.  Servers often reject
// credentials with a bare NO, without a response code.
func loginError(err error) error {
	var ie *imap.Error
	if errors.As(err, &ie) && ie.Type == imap.StatusResponseTypeNo {
		return &Error{Kind: AuthExpired, Op: "imap login", Err: err}
	}
	return classify("imap login", err)
}

// watch runs fn, closing the connection if ctx ends first.  The
// client has no context support of its own.
func (ic *imapConn) watch(ctx context.Context, fn func() error) error {
	stop := context.AfterFunc(ctx, func() { ic.c.Close() })
	defer stop()
	err := fn()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (ic *imapConn) List(ctx context.Context) ([]string, error) {
	var names []string
	err := ic.watch(ctx, func() error {
		list, err := ic.c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}
		for _, data := range list {
			if hasAttr(data.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}
			names = append(names, data.Mailbox)
		}
		return nil
	})
	return names, err
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

func (ic *imapConn) Select(ctx context.Context, mailbox string) (uint32, error) {
	var validity uint32
	err := ic.watch(ctx, func() error {
		data, err := ic.c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return err
		}
		validity = data.UIDValidity
		return nil
	})
	return validity, err
}

func (ic *imapConn) SearchFrom(ctx context.Context, start message.UID) ([]message.UID, error) {
	var out []message.UID
	err := ic.watch(ctx, func() error {
		var set imap.UIDSet
		set.AddRange(imap.UID(start), 0)
		data, err := ic.c.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil).Wait()
		if err != nil {
			return err
		}
		for _, uid := range data.AllUIDs() {
			out = append(out, message.UID(uid))
		}
		return nil
	})
	return out, err
}

func (ic *imapConn) Fetch(ctx context.Context, uids []message.UID, body bool) ([]fetched, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var out []fetched
	err := ic.watch(ctx, func() error {
		set := make([]imap.UID, len(uids))
		for i, uid := range uids {
			set[i] = imap.UID(uid)
		}
		section := &imap.FetchItemBodySection{Peek: true}
		opts := &imap.FetchOptions{UID: true, Flags: true}
		if body {
			opts.BodySection = []*imap.FetchItemBodySection{section}
		}
		bufs, err := ic.c.Fetch(imap.UIDSetNum(set...), opts).Collect()
		if err != nil {
			return err
		}
		for _, buf := range bufs {
			f := fetched{
				uid:   message.UID(buf.UID),
				flags: flagsFromIMAP(buf.Flags),
			}
			if body {
				f.raw = buf.FindBodySection(section)
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

func (ic *imapConn) Close() error {
	// Best effort; the connection may already be gone.
	ic.c.Logout().Wait()
	return ic.c.Close()
}

var imapFlags = []struct {
	imap imap.Flag
	flag message.Flags
}{
	{imap.FlagSeen, message.Seen},
	{imap.FlagFlagged, message.Flagged},
	{imap.FlagDeleted, message.Deleted},
	{imap.FlagDraft, message.Draft},
}

func flagsFromIMAP(flags []imap.Flag) message.Flags {
	var f message.Flags
	for _, fl := range flags {
		for _, m := range imapFlags {
			if strings.EqualFold(string(fl), string(m.imap)) {
				f |= m.flag
			}
		}
	}
	return f
}
