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
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matta/gotmail/internal/message"
)

const (
	// Commands per second sent to one account, and the burst
	// allowed above that.  Servers throttle clients that go much
	// faster.
	commandRatePerSecond = 10
	commandBurst         = 20
)

// mailBackend implements Backend for both backend types.  It keeps one
// IMAP connection open and serializes its use.
type mailBackend struct {
	name    string
	auth    authenticator
	dial    dialFunc
	submit  submitter
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	conn mailConn
}

func newMailBackend(name string, auth authenticator, dial dialFunc, submit submitter, log *zap.Logger) *mailBackend {
	return &mailBackend{
		name:    name,
		auth:    auth,
		dial:    dial,
		submit:  submit,
		limiter: rate.NewLimiter(commandRatePerSecond, commandBurst),
		log:     log.With(zap.String("backend", name)),
		now:     time.Now,
	}
}

func (b *mailBackend) Name() string { return b.name }
func (b *mailBackend) Type() Type   { return b.auth.Type() }

// authRetry runs fn.  If it fails with AuthExpired and the credentials
// can be refreshed, they are, and fn runs exactly once more.
func (b *mailBackend) authRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if KindOf(err) != AuthExpired {
		return err
	}
	rerr := b.auth.refresh(ctx)
	if rerr == errNoRefresh {
		return err
	}
	if rerr != nil {
		b.log.Warn("credential refresh failed", zap.String("op", op), zap.Error(rerr))
		return &Error{Kind: AuthExpired, Op: op, Err: rerr}
	}
	b.log.Info("credentials refreshed, retrying", zap.String("op", op))
	return fn()
}

// withConn runs fn on the shared connection, dialing it if needed.  A
// connection that saw a failure other than a command error is dropped
// so the next call starts afresh.
func (b *mailBackend) withConn(ctx context.Context, op string, fn func(mailConn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.authRetry(ctx, op, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		if b.conn == nil {
			conn, err := b.dial(ctx, b.auth)
			if err != nil {
				return classify(op, err)
			}
			b.conn = conn
		}
		err := fn(b.conn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			b.dropLocked()
			return ctx.Err()
		}
		err = classify(op, err)
		if KindOf(err) != Permanent {
			b.dropLocked()
		}
		return err
	})
}

func (b *mailBackend) dropLocked() {
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.log.Debug("closing connection", zap.Error(err))
		}
		b.conn = nil
	}
}

func (b *mailBackend) ListMailboxes(ctx context.Context) ([]string, error) {
	var names []string
	err := b.withConn(ctx, "list", func(c mailConn) error {
		var err error
		names, err = c.List(ctx)
		return err
	})
	return names, err
}

func (b *mailBackend) FetchSince(ctx context.Context, mailbox string, cursor message.Cursor, limit int) (*Batch, error) {
	log := b.log.With(zap.String("mailbox", mailbox))
	var batch *Batch
	err := b.withConn(ctx, "fetch", func(c mailConn) error {
		validity, err := c.Select(ctx, mailbox)
		if err != nil {
			return err
		}
		start := cursor.LastUID + 1
		if cursor.UIDValidity != 0 && cursor.UIDValidity != validity {
			log.Warn("UIDVALIDITY changed, fetching from the start",
				zap.Uint32("old", cursor.UIDValidity), zap.Uint32("new", validity))
			start = 1
		}

		found, err := c.SearchFrom(ctx, start)
		if err != nil {
			return err
		}
		// "n:*" always matches the last message, even below n.
		uids := found[:0]
		for _, uid := range found {
			if uid >= start {
				uids = append(uids, uid)
			}
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		if limit > 0 && len(uids) > limit {
			uids = uids[:limit]
		}

		msgs, err := c.Fetch(ctx, uids, true)
		if err != nil {
			return err
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].uid < msgs[j].uid })

		batch = &Batch{Validity: validity}
		for _, f := range msgs {
			m, err := message.Parse(f.raw, f.uid)
			if err != nil || len(f.raw) == 0 {
				log.Warn("skipping unparseable message", zap.Uint32("uid", uint32(f.uid)), zap.Error(err))
				batch.Skipped = append(batch.Skipped, f.uid)
				continue
			}
			m.Flags = f.flags
			batch.Messages = append(batch.Messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug("fetched batch",
		zap.Uint32("validity", batch.Validity),
		zap.Int("messages", len(batch.Messages)),
		zap.Int("skipped", len(batch.Skipped)))
	return batch, nil
}

func (b *mailBackend) FetchFlags(ctx context.Context, mailbox string, uids []message.UID) (map[message.UID]message.FlagSnapshot, error) {
	out := make(map[message.UID]message.FlagSnapshot, len(uids))
	err := b.withConn(ctx, "fetch flags", func(c mailConn) error {
		if _, err := c.Select(ctx, mailbox); err != nil {
			return err
		}
		msgs, err := c.Fetch(ctx, uids, false)
		if err != nil {
			return err
		}
		at := b.now()
		for _, f := range msgs {
			out[f.uid] = message.FlagSnapshot{Flags: f.flags, At: at}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *mailBackend) Send(ctx context.Context, msg *message.Message) (*Receipt, error) {
	var id string
	err := b.authRetry(ctx, "send", func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		id, err = b.submit.submit(ctx, b.auth, msg)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return classify("send", err)
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("message sent", zap.String("message_id", msg.Envelope.MessageID), zap.String("id", id))
	return &Receipt{ID: id, At: b.now()}, nil
}

func (b *mailBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
