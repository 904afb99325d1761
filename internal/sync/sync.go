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

// Package sync moves mail between backends and the local store.
//
// A receive cycle fetches a mailbox in batches above its cursor, runs
// the receive hooks on new messages, and commits each batch together
// with the advanced cursor.  A cycle interrupted anywhere before the
// commit leaves the cursor where it was, so the next cycle fetches the
// same messages again and the store recognizes the ones it has.
package sync

import (
	"context"
	gosync "sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/plugin"
	"github.com/matta/gotmail/internal/retry"
	"github.com/matta/gotmail/internal/store"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 4
	DefaultFlagWindow  = 500

	tracerName = "github.com/matta/gotmail/internal/sync"
)

// ErrUnknownBackend is returned for a backend name no account has.
var ErrUnknownBackend = errors.New("unknown backend")

// Options tune an Engine.  Zero sizes select the Default constants.
type Options struct {
	// Messages requested per fetch.
	BatchSize int

	// Messages fetched per mailbox and cycle.  Zero means no limit.
	MaxPerCycle int

	// Mailboxes synchronized at once by SyncAll.
	Concurrency int

	// Most recent messages whose flags are refreshed per cycle.
	FlagWindow int

	// Remove local messages whose merged flags include Deleted.
	ExpungeDeleted bool

	// Applied to every backend call.
	Retry retry.Config
}

// Option configures optional Engine dependencies.
type Option func(*Engine)

// WithTracerProvider sets the provider of the engine's tracer.  The
// default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// Engine synchronizes a set of accounts with a store.
type Engine struct {
	store    *store.Store
	hooks    Hooks
	accounts map[string]*Account
	order    []string
	opts     Options
	log      *zap.Logger
	tracer   trace.Tracer

	mu     gosync.Mutex
	locks  map[mailboxKey]*gosync.Mutex
	states map[mailboxKey]State
}

// New returns an engine for the given accounts.  Account backend names
// must be unique.  hooks may be nil.
func New(st *store.Store, hooks Hooks, accounts []*Account, opts Options, log *zap.Logger, options ...Option) (*Engine, error) {
	if hooks == nil {
		hooks = noHooks{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.FlagWindow <= 0 {
		opts.FlagWindow = DefaultFlagWindow
	}
	if opts.Retry.Log == nil {
		opts.Retry.Log = log
	}
	e := &Engine{
		store:    st,
		hooks:    hooks,
		accounts: make(map[string]*Account),
		opts:     opts,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		locks:    make(map[mailboxKey]*gosync.Mutex),
		states:   make(map[mailboxKey]State),
	}
	for _, a := range accounts {
		name := a.Backend.Name()
		if _, ok := e.accounts[name]; ok {
			return nil, errors.Errorf("backend %q configured twice", name)
		}
		e.accounts[name] = a
		e.order = append(e.order, name)
	}
	for _, o := range options {
		o(e)
	}
	return e, nil
}

func (e *Engine) account(name string) (*Account, error) {
	a, ok := e.accounts[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", name)
	}
	return a, nil
}

// lock serializes cycles of one mailbox.  Different mailboxes proceed
// concurrently.
func (e *Engine) lock(k mailboxKey) func() {
	e.mu.Lock()
	l, ok := e.locks[k]
	if !ok {
		l = new(gosync.Mutex)
		e.locks[k] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) setState(k mailboxKey, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[k] = s
}

// State returns where the given mailbox is in its cycle.  A mailbox
// whose last cycle failed stays Failed until the next one starts.
func (e *Engine) State(backendName, mailbox string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[mailboxKey{backendName, mailbox}]
}

func (e *Engine) startSpan(ctx context.Context, name string, k mailboxKey) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("gotmail.backend", k.backend),
		attribute.String("gotmail.mailbox", k.mailbox)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SyncMailbox runs one receive cycle of a mailbox.  On error the
// report covers the batches committed before it.
func (e *Engine) SyncMailbox(ctx context.Context, backendName, mailbox string) (report *CycleReport, err error) {
	a, err := e.account(backendName)
	if err != nil {
		return nil, err
	}
	k := mailboxKey{backendName, mailbox}
	unlock := e.lock(k)
	defer unlock()

	ctx, span := e.startSpan(ctx, "sync.mailbox", k)
	defer func() { endSpan(span, err) }()

	report = &CycleReport{Backend: backendName, Mailbox: mailbox}
	e.setState(k, Idle)
	defer func() {
		if err != nil {
			e.setState(k, Failed)
			return
		}
		e.setState(k, Idle)
	}()

	log := e.log.With(zap.String("backend", backendName), zap.String("mailbox", mailbox))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	cursor, err := e.store.Cursor(ctx, backendName, mailbox)
	if err != nil {
		return report, err
	}
	report.Cursor = cursor

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		limit := e.opts.BatchSize
		if e.opts.MaxPerCycle > 0 {
			left := e.opts.MaxPerCycle - report.Fetched
			if left <= 0 {
				break
			}
			if left < limit {
				limit = left
			}
		}

		e.setState(k, Fetching)
		batch, err := retry.DoValue(ctx, e.opts.Retry, func(ctx context.Context) (*backend.Batch, error) {
			return a.Backend.FetchSince(ctx, mailbox, cursor, limit)
		})
		if err != nil {
			return report, errors.Wrapf(err, "unable to fetch %s", k)
		}
		report.Batches++
		report.Fetched += batch.Len()
		report.Skipped += len(batch.Skipped)

		next := cursor
		if batch.Validity != cursor.UIDValidity {
			if cursor.UIDValidity != 0 {
				report.ValidityReset = true
			}
			next = message.Cursor{UIDValidity: batch.Validity}
		}
		if hw := batch.HighWater(); hw > next.LastUID {
			next.LastUID = hw
		}

		e.setState(k, Reconciling)
		pending, err := e.reconcile(ctx, a, k, batch, report)
		if err != nil {
			return report, err
		}

		if next != cursor || len(pending) > 0 {
			e.setState(k, Committing)
			// A batch whose hooks ran is committed even if ctx
			// ends now; the cursor and the messages stay consistent
			// either way.
			results, err := e.store.Commit(context.WithoutCancel(ctx), backendName, mailbox, pending, &next)
			if err != nil {
				return report, err
			}
			for _, r := range results {
				switch r {
				case store.Stored:
					report.Stored++
				case store.Merged:
					report.Merged++
				case store.Present:
					report.Present++
				}
			}
			cursor = next
			report.Cursor = cursor
		}
		log.Debug("batch committed",
			zap.Int("fetched", batch.Len()),
			zap.Int("pending", len(pending)),
			zap.Uint32("last_uid", uint32(cursor.LastUID)))

		if batch.Len() < limit {
			break
		}
	}

	if report.ValidityReset {
		log.Warn("UIDVALIDITY changed, mailbox refetched", zap.Uint32("validity", cursor.UIDValidity))
	}
	log.Info("mailbox synchronized",
		zap.Int("stored", report.Stored),
		zap.Int("merged", report.Merged),
		zap.Int("present", report.Present),
		zap.Int("skipped", report.Skipped),
		zap.Int("plugin_failures", len(report.Failures)))
	return report, nil
}

// reconcile returns the messages of batch to commit.  Messages the
// store already holds by identifier are dropped.  Messages it holds by
// content are passed through unchanged so that Commit merges them.
// The rest run through the receive hooks first.
func (e *Engine) reconcile(ctx context.Context, a *Account, k mailboxKey, batch *backend.Batch, report *CycleReport) ([]store.Pending, error) {
	var pending []store.Pending
	seen := make(map[string]bool)
	for _, m := range batch.Messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !report.ValidityReset {
			_, err := e.store.Get(ctx, k.backend, k.mailbox, m.Envelope.UID)
			if err == nil {
				report.Present++
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}

		hash := message.Hash(m)
		dup := seen[hash]
		if !dup {
			var err error
			dup, err = e.store.Contains(ctx, k.backend, k.mailbox, 0, hash)
			if err != nil {
				return nil, err
			}
		}
		seen[hash] = true
		if dup {
			pending = append(pending, store.Pending{Message: m, Hash: hash})
			continue
		}

		msg := m
		for _, pt := range []plugin.Point{plugin.BeforeReceive, plugin.AfterReceive} {
			res := e.hooks.Run(ctx, pt, a.Backend.Type(), msg)
			msg = res.Message
			report.Failures = append(report.Failures, res.Failures...)
		}
		pending = append(pending, store.Pending{Message: msg, Hash: hash})
	}
	return pending, nil
}

// SyncFlags refreshes the flags of the most recent messages of a
// mailbox from the backend and merges them into the store.
func (e *Engine) SyncFlags(ctx context.Context, backendName, mailbox string) (report store.FlagReport, err error) {
	a, err := e.account(backendName)
	if err != nil {
		return report, err
	}
	k := mailboxKey{backendName, mailbox}
	unlock := e.lock(k)
	defer unlock()

	ctx, span := e.startSpan(ctx, "sync.flags", k)
	defer func() { endSpan(span, err) }()

	uids, err := e.store.Recent(ctx, backendName, mailbox, e.opts.FlagWindow)
	if err != nil || len(uids) == 0 {
		return report, err
	}
	snaps, err := retry.DoValue(ctx, e.opts.Retry, func(ctx context.Context) (map[message.UID]message.FlagSnapshot, error) {
		return a.Backend.FetchFlags(ctx, mailbox, uids)
	})
	if err != nil {
		return report, errors.Wrapf(err, "unable to fetch flags of %s", k)
	}
	report, err = e.store.ApplyRemoteFlags(ctx, backendName, mailbox, snaps, e.opts.ExpungeDeleted)
	if err != nil {
		return report, err
	}
	e.log.Debug("flags synchronized",
		zap.String("backend", backendName), zap.String("mailbox", mailbox),
		zap.Int("checked", len(uids)),
		zap.Int("updated", report.Updated),
		zap.Int("expunged", report.Expunged))
	return report, nil
}

// mailboxes returns the remote mailboxes to synchronize for a.
func (e *Engine) mailboxes(ctx context.Context, a *Account) ([]string, error) {
	if len(a.Mailboxes) > 0 {
		return a.Mailboxes, nil
	}
	return retry.DoValue(ctx, e.opts.Retry, a.Backend.ListMailboxes)
}

// SyncAll runs a receive cycle and a flag pass on every mailbox of
// every account, Concurrency at a time.  A failing mailbox does not
// stop the others; their errors are combined.  Reports are returned
// for every mailbox that was attempted, in account order.
func (e *Engine) SyncAll(ctx context.Context) ([]*CycleReport, error) {
	var (
		mu      gosync.Mutex
		errs    error
		reports []*CycleReport
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = multierr.Append(errs, err)
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, name := range e.order {
		a := e.accounts[name]
		boxes, err := e.mailboxes(ctx, a)
		if err != nil {
			fail(errors.Wrapf(err, "unable to list mailboxes of %s", name))
			continue
		}
		for _, mb := range boxes {
			report := &CycleReport{Backend: name, Mailbox: mb}
			reports = append(reports, report)
			g.Go(func() error {
				r, err := e.SyncMailbox(ctx, name, mb)
				if r != nil {
					*report = *r
				}
				if err != nil {
					fail(err)
					return nil
				}
				flags, err := e.SyncFlags(ctx, name, mb)
				report.Flags = flags
				if err != nil {
					fail(err)
				}
				return nil
			})
		}
	}
	g.Wait()
	return reports, errs
}

// Close closes the backends of all accounts.
func (e *Engine) Close() error {
	var err error
	for _, name := range e.order {
		err = multierr.Append(err, e.accounts[name].Backend.Close())
	}
	return err
}
