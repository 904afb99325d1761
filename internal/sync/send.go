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

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/plugin"
	"github.com/matta/gotmail/internal/retry"
	"github.com/matta/gotmail/internal/store"
)

// Send builds a message from d, runs the before_send hooks, submits it
// through the named backend and runs the after_send hooks.  The sent
// copy is stored in the account's sent mailbox.
//
// If submission fails the message, as transformed by before_send, is
// stored in the drafts mailbox with the Draft flag and a *SendError is
// returned.
func (e *Engine) Send(ctx context.Context, backendName string, d *message.Composition) (*SendResult, error) {
	a, err := e.account(backendName)
	if err != nil {
		return nil, err
	}
	msg, err := message.Build(d, time.Now())
	if err != nil {
		return nil, err
	}

	ctx, span := e.startSpan(ctx, "sync.send", mailboxKey{backendName, a.SentMailbox})
	defer func() { endSpan(span, err) }()

	res := e.hooks.Run(ctx, plugin.BeforeSend, a.Backend.Type(), msg)
	var result *SendResult
	result, err = e.deliver(ctx, a, res.Message, nil)
	if result != nil {
		result.Failures = append(res.Failures, result.Failures...)
	}
	return result, err
}

// ResendDraft retries delivery of a draft kept by a failed Send.  The
// before_send hooks already ran on it and are not run again.  On
// success the draft is removed.
func (e *Engine) ResendDraft(ctx context.Context, backendName, key string) (result *SendResult, err error) {
	a, err := e.account(backendName)
	if err != nil {
		return nil, err
	}
	entry, err := e.store.Lookup(ctx, backendName, a.DraftsMailbox, key)
	if err != nil {
		return nil, errors.Wrapf(err, "draft %s", key)
	}
	msg, err := e.store.Read(ctx, entry)
	if err != nil {
		return nil, err
	}
	msg.Flags = msg.Flags.Without(message.Draft)

	ctx, span := e.startSpan(ctx, "sync.resend", mailboxKey{backendName, a.DraftsMailbox})
	defer func() { endSpan(span, err) }()

	return e.deliver(ctx, a, msg, entry)
}

// deliver submits msg.  draft is the stored draft being resent, if
// any: it is removed on success and left in place on failure.
func (e *Engine) deliver(ctx context.Context, a *Account, msg *message.Message, draft *store.Entry) (*SendResult, error) {
	name := a.Backend.Name()
	log := e.log.With(zap.String("backend", name), zap.String("message_id", msg.Envelope.MessageID))

	receipt, err := retry.DoValue(ctx, e.opts.Retry, func(ctx context.Context) (*backend.Receipt, error) {
		return a.Backend.Send(ctx, msg)
	})
	if err != nil {
		serr := &SendError{Backend: name, Draft: draft, Err: err}
		if draft != nil {
			return nil, serr
		}
		kept := msg.Clone()
		kept.Flags = kept.Flags.With(message.Draft)
		entry, derr := e.store.SaveLocal(context.WithoutCancel(ctx), name, a.DraftsMailbox, store.Drafted, kept)
		if derr != nil {
			log.Error("unable to keep unsent message", zap.Error(derr))
			serr.Err = errors.Wrapf(err, "and the draft was lost: %v", derr)
			return nil, serr
		}
		log.Warn("send failed, kept as draft", zap.String("key", entry.Key), zap.Error(err))
		serr.Draft = entry
		return nil, serr
	}

	result := &SendResult{Receipt: receipt}
	after := e.hooks.Run(ctx, plugin.AfterSend, a.Backend.Type(), msg)
	result.Failures = after.Failures

	sent := after.Message.Clone()
	sent.Flags = sent.Flags.With(message.Seen).Without(message.Draft)
	// The message is out; storing the copy must not be cut short.
	entry, err := e.store.SaveLocal(context.WithoutCancel(ctx), name, a.SentMailbox, store.Sent, sent)
	if err != nil {
		return result, errors.Wrap(err, "message sent but the sent copy was not stored")
	}
	result.Sent = entry

	if draft != nil {
		if err := e.store.RemoveLocal(context.WithoutCancel(ctx), name, draft.Mailbox, draft.Key); err != nil {
			log.Warn("unable to remove resent draft", zap.String("key", draft.Key), zap.Error(err))
		}
	}
	log.Info("message delivered", zap.String("sent_key", entry.Key))
	return result, nil
}
