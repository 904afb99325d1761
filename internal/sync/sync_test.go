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
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/hook"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/plugin"
	"github.com/matta/gotmail/internal/retry"
	"github.com/matta/gotmail/internal/store"
)

var (
	errTransient = &backend.Error{Kind: backend.Transient, Op: "fetch", Err: errors.New("connection reset")}
	errPermanent = &backend.Error{Kind: backend.Permanent, Op: "fetch", Err: errors.New("no such mailbox")}
)

// fakeBackend serves one mailbox from memory.
type fakeBackend struct {
	name      string
	typ       backend.Type
	mailboxes []string

	mu       gosync.Mutex
	validity uint32
	raw      map[message.UID]string
	flags    map[message.UID]message.Flags

	// Errors returned by successive calls; nil entries succeed.
	fetchErrs []error
	sendErrs  []error

	fetches int
	sent    []*message.Message
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{
		name:      name,
		typ:       backend.Password,
		mailboxes: []string{"INBOX"},
		validity:  7,
		raw:       make(map[message.UID]string),
		flags:     make(map[message.UID]message.Flags),
	}
}

func rawMessage(subject string) string {
	return fmt.Sprintf("From: a@example.com\r\nTo: b@example.com\r\n"+
		"Subject: %s\r\nMessage-ID: <%s@example.com>\r\n\r\nbody of %s\r\n", subject, subject, subject)
}

func (f *fakeBackend) add(uid message.UID, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[uid] = rawMessage(subject)
}

func (f *fakeBackend) Name() string       { return f.name }
func (f *fakeBackend) Type() backend.Type { return f.typ }

func (f *fakeBackend) ListMailboxes(ctx context.Context) ([]string, error) {
	return f.mailboxes, nil
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeBackend) FetchSince(ctx context.Context, mailbox string, cursor message.Cursor, limit int) (*backend.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := pop(&f.fetchErrs); err != nil {
		return nil, err
	}
	start := cursor.LastUID + 1
	if cursor.UIDValidity != f.validity {
		start = 1
	}
	var uids []message.UID
	for uid := range f.raw {
		if uid >= start {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	b := &backend.Batch{Validity: f.validity}
	for _, uid := range uids {
		m, err := message.Parse([]byte(f.raw[uid]), uid)
		if err != nil || f.raw[uid] == "" {
			b.Skipped = append(b.Skipped, uid)
			continue
		}
		m.Flags = f.flags[uid]
		b.Messages = append(b.Messages, m)
	}
	return b, nil
}

func (f *fakeBackend) FetchFlags(ctx context.Context, mailbox string, uids []message.UID) (map[message.UID]message.FlagSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[message.UID]message.FlagSnapshot)
	at := time.Now().Add(time.Hour)
	for _, uid := range uids {
		if _, ok := f.raw[uid]; ok {
			out[uid] = message.FlagSnapshot{Flags: f.flags[uid], At: at}
		}
	}
	return out, nil
}

func (f *fakeBackend) Send(ctx context.Context, msg *message.Message) (*backend.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.sendErrs); err != nil {
		return nil, err
	}
	f.sent = append(f.sent, msg.Clone())
	return &backend.Receipt{ID: fmt.Sprintf("sent-%d", len(f.sent)), At: time.Now()}, nil
}

func (f *fakeBackend) Close() error { return nil }

// suffixPlugin appends its suffix to the body, or fails with err.
type suffixPlugin struct {
	manifest plugin.Manifest
	suffix   string
	err      error

	mu    gosync.Mutex
	calls int
}

func newPlugin(name, suffix string, hooks ...plugin.Point) *suffixPlugin {
	return &suffixPlugin{
		manifest: plugin.Manifest{
			Name:     name,
			Backends: []backend.Type{backend.OAuth2, backend.Password},
			Hooks:    hooks,
		},
		suffix: suffix,
	}
}

func (p *suffixPlugin) Name() string               { return p.manifest.Name }
func (p *suffixPlugin) Manifest() *plugin.Manifest { return &p.manifest }

func (p *suffixPlugin) Call(ctx context.Context, pt plugin.Point, t backend.Type, m *message.Message) (*message.Message, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return m, p.err
	}
	c := m.Clone()
	c.Body = append(c.Body, p.suffix...)
	return c, nil
}

func testRetry() retry.Config {
	return retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2,
	}
}

type fixture struct {
	store  *store.Store
	engine *Engine
}

func newFixture(t *testing.T, opts Options, plugins []hook.Plugin, backends ...*fakeBackend) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	st, err := store.Open(ctx, t.TempDir(), log)
	if err != nil {
		t.Fatalf("store.Open() = %v, want nil", err)
	}
	t.Cleanup(func() { st.Close() })

	var hooks Hooks
	if plugins != nil {
		var names []string
		for _, p := range plugins {
			names = append(names, p.Name())
		}
		pipeline, err := hook.New(plugins, names, log)
		if err != nil {
			t.Fatalf("hook.New() = %v, want nil", err)
		}
		hooks = pipeline
	}

	var accounts []*Account
	for _, b := range backends {
		accounts = append(accounts, &Account{
			Backend:       b,
			SentMailbox:   "Sent",
			DraftsMailbox: "Drafts",
		})
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = testRetry()
	}
	e, err := New(st, hooks, accounts, opts, log)
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	return &fixture{store: st, engine: e}
}

func (fx *fixture) uids(t *testing.T, backendName, mailbox string) []message.UID {
	t.Helper()
	entries, err := fx.store.List(context.Background(), backendName, mailbox)
	if err != nil {
		t.Fatalf("List(%s, %s) = %v, want nil", backendName, mailbox, err)
	}
	var out []message.UID
	for _, e := range entries {
		out = append(out, e.Envelope.UID)
	}
	return out
}

func (fx *fixture) body(t *testing.T, e *store.Entry) string {
	t.Helper()
	m, err := fx.store.Read(context.Background(), e)
	if err != nil {
		t.Fatalf("Read(%s) = %v, want nil", e.Key, err)
	}
	return string(m.Body)
}

func TestSyncMailbox(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	for uid := message.UID(100); uid <= 104; uid++ {
		b.add(uid, fmt.Sprintf("m%d", uid))
	}
	fx := newFixture(t, Options{BatchSize: 2}, nil, b)

	report, err := fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if report.Batches != 3 || report.Fetched != 5 || report.Stored != 5 {
		t.Errorf("SyncMailbox() = %v (%d batches), want 5 stored in 3 batches", report, report.Batches)
	}
	want := message.Cursor{UIDValidity: 7, LastUID: 104}
	if report.Cursor != want {
		t.Errorf("report.Cursor = %+v, want %+v", report.Cursor, want)
	}
	if got, err := fx.store.Cursor(ctx, "work", "INBOX"); err != nil || got != want {
		t.Errorf("Cursor() = %+v, %v, want %+v, nil", got, err, want)
	}
	if diff := cmp.Diff([]message.UID{100, 101, 102, 103, 104}, fx.uids(t, "work", "INBOX")); diff != "" {
		t.Errorf("stored uids mismatch (-want +got):\n%s", diff)
	}
	if got := fx.engine.State("work", "INBOX"); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}

	// Nothing new: the second cycle is a no-op.
	report, err = fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("second SyncMailbox() = %v, want nil", err)
	}
	if report.Fetched != 0 || report.Stored != 0 || report.Cursor != want {
		t.Errorf("second SyncMailbox() = %v, cursor %+v, want nothing fetched", report, report.Cursor)
	}
	if n := len(fx.uids(t, "work", "INBOX")); n != 5 {
		t.Errorf("entries after second cycle = %d, want 5", n)
	}
}

func TestSyncMailboxResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	for uid := message.UID(100); uid <= 104; uid++ {
		b.add(uid, fmt.Sprintf("m%d", uid))
	}
	b.fetchErrs = []error{nil, errPermanent}
	fx := newFixture(t, Options{BatchSize: 2}, nil, b)

	report, err := fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err == nil {
		t.Fatal("SyncMailbox() = nil, want error")
	}
	if backend.KindOf(err) != backend.Permanent {
		t.Errorf("KindOf(%v) = %v, want %v", err, backend.KindOf(err), backend.Permanent)
	}
	if got := fx.engine.State("work", "INBOX"); got != Failed {
		t.Errorf("State() = %v, want %v", got, Failed)
	}
	want := message.Cursor{UIDValidity: 7, LastUID: 101}
	if report.Stored != 2 || report.Cursor != want {
		t.Errorf("failed SyncMailbox() = %v, cursor %+v, want 2 stored, cursor %+v", report, report.Cursor, want)
	}

	report, err = fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("second SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 3 {
		t.Errorf("second SyncMailbox() stored %d, want 3", report.Stored)
	}
	if diff := cmp.Diff([]message.UID{100, 101, 102, 103, 104}, fx.uids(t, "work", "INBOX")); diff != "" {
		t.Errorf("stored uids mismatch (-want +got):\n%s", diff)
	}
	if got := fx.engine.State("work", "INBOX"); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}
}

func TestSyncMailboxRetriesTransient(t *testing.T) {
	b := newFakeBackend("work")
	b.add(1, "a")
	b.fetchErrs = []error{errTransient, errTransient}
	fx := newFixture(t, Options{}, nil, b)

	report, err := fx.engine.SyncMailbox(context.Background(), "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 1 || b.fetches != 3 {
		t.Errorf("SyncMailbox() stored %d after %d fetches, want 1 after 3", report.Stored, b.fetches)
	}
}

func TestSyncMailboxGivesUpOnTransient(t *testing.T) {
	b := newFakeBackend("work")
	b.add(1, "a")
	b.fetchErrs = []error{errTransient, errTransient, errTransient}
	fx := newFixture(t, Options{}, nil, b)

	_, err := fx.engine.SyncMailbox(context.Background(), "work", "INBOX")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("SyncMailbox() = %v, want %v", err, retry.ErrExhausted)
	}
	if c, _ := fx.store.Cursor(context.Background(), "work", "INBOX"); c != (message.Cursor{}) {
		t.Errorf("Cursor() = %+v, want zero", c)
	}
}

func TestSyncMailboxCanceled(t *testing.T) {
	b := newFakeBackend("work")
	b.add(1, "a")
	fx := newFixture(t, Options{}, nil, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fx.engine.SyncMailbox(ctx, "work", "INBOX"); err != context.Canceled {
		t.Errorf("SyncMailbox() = %v, want %v", err, context.Canceled)
	}
	if b.fetches != 0 {
		t.Errorf("fetches = %d, want 0", b.fetches)
	}
}

func TestSyncMailboxMaxPerCycle(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	for uid := message.UID(100); uid <= 104; uid++ {
		b.add(uid, fmt.Sprintf("m%d", uid))
	}
	fx := newFixture(t, Options{BatchSize: 2, MaxPerCycle: 3}, nil, b)

	report, err := fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 3 || report.Cursor.LastUID != 102 {
		t.Errorf("SyncMailbox() = %v, last uid %d, want 3 stored, last uid 102", report, report.Cursor.LastUID)
	}
	report, err = fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("second SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 2 || report.Cursor.LastUID != 104 {
		t.Errorf("second SyncMailbox() = %v, last uid %d, want 2 stored, last uid 104", report, report.Cursor.LastUID)
	}
}

func TestSyncMailboxSkipsUnparseable(t *testing.T) {
	b := newFakeBackend("work")
	b.add(1, "a")
	b.raw[2] = ""
	b.add(3, "c")
	fx := newFixture(t, Options{}, nil, b)

	report, err := fx.engine.SyncMailbox(context.Background(), "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 2 || report.Skipped != 1 || report.Cursor.LastUID != 3 {
		t.Errorf("SyncMailbox() = %v, last uid %d, want 2 stored, 1 skipped, last uid 3", report, report.Cursor.LastUID)
	}
}

func TestSyncMailboxDeduplicates(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	b.add(100, "same")
	b.add(101, "same")
	b.add(102, "other")
	b.flags[100] = message.Seen
	b.flags[101] = message.Flagged
	p := newPlugin("sig", "<in>", plugin.BeforeReceive)
	fx := newFixture(t, Options{}, []hook.Plugin{p}, b)

	report, err := fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 2 || report.Merged != 1 {
		t.Errorf("SyncMailbox() = %v, want 2 stored, 1 merged", report)
	}
	if p.calls != 2 {
		t.Errorf("plugin calls = %d, want 2", p.calls)
	}
	e, err := fx.store.Get(ctx, "work", "INBOX", 101)
	if err != nil {
		t.Fatalf("Get(101) = %v, want nil", err)
	}
	if e.Envelope.UID != 100 || e.Flags != message.Seen|message.Flagged {
		t.Errorf("Get(101) = uid %d, flags %v, want uid 100, flags %v", e.Envelope.UID, e.Flags, message.Seen|message.Flagged)
	}

	// The same content under a new identifier in a later cycle
	// merges too, although the stored body carries the hook's suffix.
	b.add(103, "same")
	report, err = fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("second SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 0 || report.Merged != 1 || p.calls != 2 {
		t.Errorf("second SyncMailbox() = %v, %d plugin calls, want 1 merged, 2 plugin calls", report, p.calls)
	}
	if n := len(fx.uids(t, "work", "INBOX")); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
}

func TestSyncMailboxValidityReset(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	b.add(100, "a")
	b.add(101, "b")
	fx := newFixture(t, Options{}, nil, b)
	if _, err := fx.engine.SyncMailbox(ctx, "work", "INBOX"); err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}

	// The server renumbered the mailbox.
	b.validity = 8
	b.raw = map[message.UID]string{1: rawMessage("a"), 2: rawMessage("b"), 3: rawMessage("c")}

	report, err := fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if !report.ValidityReset || report.Merged != 2 || report.Stored != 1 {
		t.Errorf("SyncMailbox() = %v, reset %v, want 2 merged, 1 stored, reset", report, report.ValidityReset)
	}
	want := message.Cursor{UIDValidity: 8, LastUID: 3}
	if report.Cursor != want {
		t.Errorf("report.Cursor = %+v, want %+v", report.Cursor, want)
	}
	if n := len(fx.uids(t, "work", "INBOX")); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
}

// The renumbered server hands out an identifier the old epoch used
// for a different message.
func TestSyncMailboxValidityResetReusesUID(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	b.add(1, "old")
	fx := newFixture(t, Options{}, nil, b)
	if _, err := fx.engine.SyncMailbox(ctx, "work", "INBOX"); err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}

	b.validity = 8
	b.raw = map[message.UID]string{1: rawMessage("brandnew")}

	report, err := fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 1 || report.Present != 0 {
		t.Errorf("SyncMailbox() = %v, want 1 stored", report)
	}
	e, err := fx.store.Get(ctx, "work", "INBOX", 1)
	if err != nil {
		t.Fatalf("Get(1) = %v, want nil", err)
	}
	if got := fx.body(t, e); got != "body of brandnew\r\n" {
		t.Errorf("body of uid 1 = %q, want the new message", got)
	}
	if n := len(fx.uids(t, "work", "INBOX")); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
}

func TestSyncMailboxRunsReceiveHooks(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	b.add(1, "a")
	b.add(2, "b")
	before := newPlugin("before", "<before>", plugin.BeforeReceive)
	broken := newPlugin("broken", "<broken>", plugin.BeforeReceive)
	broken.err = errors.New("guest error")
	after := newPlugin("after", "<after>", plugin.AfterReceive)
	fx := newFixture(t, Options{}, []hook.Plugin{before, broken, after}, b)

	report, err := fx.engine.SyncMailbox(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}
	if report.Stored != 2 || len(report.Failures) != 2 {
		t.Errorf("SyncMailbox() = %v with %d failures, want 2 stored, 2 failures", report, len(report.Failures))
	}
	for _, f := range report.Failures {
		if f.Plugin != "broken" || f.Point != plugin.BeforeReceive {
			t.Errorf("failure = %v, want broken at %s", f, plugin.BeforeReceive)
		}
	}
	e, err := fx.store.Get(ctx, "work", "INBOX", 1)
	if err != nil {
		t.Fatalf("Get(1) = %v, want nil", err)
	}
	if got, want := fx.body(t, e), "body of a\r\n<before><after>"; got != want {
		t.Errorf("stored body = %q, want %q", got, want)
	}
}

func TestSyncFlags(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	b.add(1, "a")
	b.add(2, "b")
	b.add(3, "c")
	b.flags[3] = message.Flagged
	fx := newFixture(t, Options{ExpungeDeleted: true}, nil, b)
	if _, err := fx.engine.SyncMailbox(ctx, "work", "INBOX"); err != nil {
		t.Fatalf("SyncMailbox() = %v, want nil", err)
	}

	b.flags[1] = message.Seen
	b.flags[2] = message.Deleted
	delete(b.raw, 3)

	report, err := fx.engine.SyncFlags(ctx, "work", "INBOX")
	if err != nil {
		t.Fatalf("SyncFlags() = %v, want nil", err)
	}
	want := store.FlagReport{Updated: 1, Expunged: 1}
	if report != want {
		t.Errorf("SyncFlags() = %+v, want %+v", report, want)
	}
	if diff := cmp.Diff([]message.UID{1, 3}, fx.uids(t, "work", "INBOX")); diff != "" {
		t.Errorf("uids mismatch (-want +got):\n%s", diff)
	}
	e, err := fx.store.Get(ctx, "work", "INBOX", 1)
	if err != nil || e.Flags != message.Seen {
		t.Errorf("Get(1) = %v, %v, want flags %v", e, err, message.Seen)
	}
	// A message gone from the server keeps its last known flags.
	e, err = fx.store.Get(ctx, "work", "INBOX", 3)
	if err != nil || e.Flags != message.Flagged {
		t.Errorf("Get(3) = %v, %v, want flags %v", e, err, message.Flagged)
	}
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	sig := newPlugin("sig", "<suffix>", plugin.BeforeSend)
	audit := newPlugin("audit", "", plugin.AfterSend)
	audit.err = errors.New("audit log unavailable")
	fx := newFixture(t, Options{}, []hook.Plugin{sig, audit}, b)

	res, err := fx.engine.Send(ctx, "work", &message.Composition{
		From:    "me@example.com",
		To:      []string{"you@example.com"},
		Subject: "greetings",
		Body:    "hello",
	})
	if err != nil {
		t.Fatalf("Send() = %v, want nil", err)
	}
	if len(b.sent) != 1 || string(b.sent[0].Body) != "hello<suffix>" {
		t.Fatalf("backend received %d messages, want 1 with body %q", len(b.sent), "hello<suffix>")
	}
	if res.Receipt.ID != "sent-1" {
		t.Errorf("Receipt.ID = %q, want %q", res.Receipt.ID, "sent-1")
	}
	if len(res.Failures) != 1 || res.Failures[0].Plugin != "audit" {
		t.Errorf("Failures = %v, want one from audit", res.Failures)
	}
	if res.Sent.Mailbox != "Sent" || res.Sent.Origin != store.Sent || res.Sent.Flags != message.Seen {
		t.Errorf("Sent = %s/%s origin %s flags %v, want Sent origin %s flags %v",
			res.Sent.Backend, res.Sent.Mailbox, res.Sent.Origin, res.Sent.Flags, store.Sent, message.Seen)
	}
	if got := fx.body(t, res.Sent); got != "hello<suffix>" {
		t.Errorf("sent copy body = %q, want %q", got, "hello<suffix>")
	}
}

func TestSendRejectsInvalidDraft(t *testing.T) {
	b := newFakeBackend("work")
	fx := newFixture(t, Options{}, nil, b)

	_, err := fx.engine.Send(context.Background(), "work", &message.Composition{From: "me@example.com"})
	if err != message.ErrNoRecipients {
		t.Errorf("Send() = %v, want %v", err, message.ErrNoRecipients)
	}
	if _, err := fx.engine.Send(context.Background(), "home", &message.Composition{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Send(home) = %v, want %v", err, ErrUnknownBackend)
	}
}

func TestSendFailureKeepsDraft(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	b.sendErrs = []error{&backend.Error{Kind: backend.Permanent, Op: "smtp send", Err: errors.New("550 rejected")}}
	sig := newPlugin("sig", "<suffix>", plugin.BeforeSend)
	fx := newFixture(t, Options{}, []hook.Plugin{sig}, b)

	_, err := fx.engine.Send(ctx, "work", &message.Composition{
		From: "me@example.com",
		To:   []string{"you@example.com"},
		Body: "hello",
	})
	var serr *SendError
	if !errors.As(err, &serr) {
		t.Fatalf("Send() = %v, want *SendError", err)
	}
	if backend.KindOf(err) != backend.Permanent {
		t.Errorf("KindOf(%v) = %v, want %v", err, backend.KindOf(err), backend.Permanent)
	}
	draft := serr.Draft
	if draft == nil || draft.Mailbox != "Drafts" || draft.Origin != store.Drafted || !draft.Flags.Has(message.Draft) {
		t.Fatalf("SendError.Draft = %+v, want a Draft-flagged entry in Drafts", draft)
	}
	if got := fx.body(t, draft); got != "hello<suffix>" {
		t.Errorf("draft body = %q, want %q", got, "hello<suffix>")
	}

	res, err := fx.engine.ResendDraft(ctx, "work", draft.Key)
	if err != nil {
		t.Fatalf("ResendDraft() = %v, want nil", err)
	}
	if sig.calls != 1 {
		t.Errorf("before_send calls = %d, want 1", sig.calls)
	}
	if len(b.sent) != 1 || string(b.sent[0].Body) != "hello<suffix>" {
		t.Fatalf("backend received %d messages, want 1 with body %q", len(b.sent), "hello<suffix>")
	}
	if b.sent[0].Flags.Has(message.Draft) {
		t.Errorf("resent flags = %v, want no Draft", b.sent[0].Flags)
	}
	if res.Sent.Mailbox != "Sent" {
		t.Errorf("Sent.Mailbox = %q, want %q", res.Sent.Mailbox, "Sent")
	}
	if _, err := fx.store.Lookup(ctx, "work", "Drafts", draft.Key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Lookup(draft) = %v, want %v", err, store.ErrNotFound)
	}
}

func TestResendDraftFailureKeepsDraft(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	rejected := &backend.Error{Kind: backend.Permanent, Op: "smtp send", Err: errors.New("550 rejected")}
	b.sendErrs = []error{rejected, rejected}
	fx := newFixture(t, Options{}, nil, b)

	_, err := fx.engine.Send(ctx, "work", &message.Composition{From: "me@example.com", To: []string{"you@example.com"}})
	var serr *SendError
	if !errors.As(err, &serr) {
		t.Fatalf("Send() = %v, want *SendError", err)
	}
	key := serr.Draft.Key

	_, err = fx.engine.ResendDraft(ctx, "work", key)
	if !errors.As(err, &serr) || serr.Draft == nil || serr.Draft.Key != key {
		t.Fatalf("ResendDraft() = %v, want *SendError for draft %s", err, key)
	}
	entries, err := fx.store.List(ctx, "work", "Drafts")
	if err != nil || len(entries) != 1 {
		t.Errorf("List(Drafts) = %d entries, %v, want 1", len(entries), err)
	}
	if _, err := fx.engine.ResendDraft(ctx, "work", "nosuchkey"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ResendDraft(nosuchkey) = %v, want %v", err, store.ErrNotFound)
	}
}

func TestSyncAll(t *testing.T) {
	ctx := context.Background()
	work := newFakeBackend("work")
	work.mailboxes = []string{"INBOX", "Lists"}
	work.add(1, "a")
	home := newFakeBackend("home")
	home.add(5, "b")
	home.fetchErrs = []error{errPermanent}
	fx := newFixture(t, Options{Concurrency: 2}, nil, work, home)

	reports, err := fx.engine.SyncAll(ctx)
	if err == nil || !strings.Contains(err.Error(), "home/INBOX") {
		t.Errorf("SyncAll() = %v, want an error for home/INBOX", err)
	}
	var got []string
	for _, r := range reports {
		got = append(got, fmt.Sprintf("%s/%s:%d", r.Backend, r.Mailbox, r.Stored))
	}
	want := []string{"work/INBOX:1", "work/Lists:1", "home/INBOX:0"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SyncAll() reports mismatch (-want +got):\n%s", diff)
	}
	if got := fx.engine.State("home", "INBOX"); got != Failed {
		t.Errorf("State(home) = %v, want %v", got, Failed)
	}
	if got := fx.engine.State("work", "Lists"); got != Idle {
		t.Errorf("State(work/Lists) = %v, want %v", got, Idle)
	}

	// The failure was transient as far as the next cycle goes.
	if _, err := fx.engine.SyncAll(ctx); err != nil {
		t.Errorf("second SyncAll() = %v, want nil", err)
	}
	if diff := cmp.Diff([]message.UID{5}, fx.uids(t, "home", "INBOX")); diff != "" {
		t.Errorf("home uids mismatch (-want +got):\n%s", diff)
	}
}

// A second cycle against an unchanged server leaves the store as it
// was.
func TestSyncAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("work")
	b.add(1, "a")
	b.add(2, "b")
	b.flags[2] = message.Seen | message.Flagged
	fx := newFixture(t, Options{}, nil, b)

	list := func() []*store.Entry {
		t.Helper()
		entries, err := fx.store.List(ctx, "work", "INBOX")
		if err != nil {
			t.Fatalf("List() = %v, want nil", err)
		}
		return entries
	}

	if _, err := fx.engine.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() = %v, want nil", err)
	}
	first := list()
	reports, err := fx.engine.SyncAll(ctx)
	if err != nil {
		t.Fatalf("second SyncAll() = %v, want nil", err)
	}
	for _, r := range reports {
		if r.Stored != 0 || r.Flags.Updated != 0 {
			t.Errorf("second SyncAll() report = %v, want no changes", r)
		}
	}
	if diff := cmp.Diff(first, list()); diff != "" {
		t.Errorf("entries changed by second SyncAll (-first +second):\n%s", diff)
	}
}

func TestNewRejectsDuplicateBackends(t *testing.T) {
	st, err := store.Open(context.Background(), t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	accounts := []*Account{{Backend: newFakeBackend("work")}, {Backend: newFakeBackend("work")}}
	if _, err := New(st, nil, accounts, Options{}, zap.NewNop()); err == nil {
		t.Error("New() = nil, want error")
	}
}
