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

package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/message"
)

// CallState is the state of a hook call.
type CallState int32

const (
	Dispatched CallState = iota
	Running
	Completed
	Failed
	TimedOut
	Trapped
)

func (s CallState) String() string {
	switch s {
	case Dispatched:
		return "dispatched"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed out"
	case Trapped:
		return "trapped"
	}
	return "unknown"
}

// ErrDisabled is returned for calls to an instance that trapped
// earlier.  The trap itself was reported as a Failure.
var ErrDisabled = errors.New("plugin disabled")

// Failure is a hook call that did not complete.  The message it was
// given is returned unchanged.
type Failure struct {
	Plugin string
	Point  Point

	// Failed, TimedOut or Trapped.
	State CallState

	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("plugin %q %s %s: %v", f.Plugin, f.Point, f.State, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// guest is the plugin code as the host sees it.  It is a wasm module
// in production.
type guest interface {
	hook(ctx context.Context, s *session, p Point, in []byte) (int32, error)
	result(ctx context.Context, s *session, id uint64, ok bool, data []byte) (int32, error)

	// cancel tells the guest an invocation will never complete.
	cancel(ctx context.Context, s *session, id uint64) error

	close(ctx context.Context) error
}

// Instance is one loaded plugin.  It runs one hook call at a time.
type Instance struct {
	manifest *Manifest
	dir      string
	artifact string
	guest    guest
	ops      map[string]hostOp
	log      *zap.Logger

	invocationTimeout time.Duration
	callTimeout       time.Duration

	mu     sync.Mutex
	nextID uint64

	state    atomic.Int32
	disabled atomic.Bool
}

func newInstance(m *Manifest, artifact string, g guest, opts *Options) *Instance {
	inst := &Instance{
		manifest:          m,
		artifact:          artifact,
		guest:             g,
		ops:               hostOps(opts.Lookup),
		log:               opts.log().With(zap.String("plugin", m.Name)),
		invocationTimeout: opts.InvocationTimeout,
		callTimeout:       opts.CallTimeout,
	}
	if inst.invocationTimeout <= 0 {
		inst.invocationTimeout = DefaultInvocationTimeout
	}
	if inst.callTimeout <= 0 {
		inst.callTimeout = DefaultCallTimeout
	}
	inst.state.Store(int32(Completed))
	return inst
}

func (i *Instance) Name() string        { return i.manifest.Name }
func (i *Instance) Manifest() *Manifest { return i.manifest }
func (i *Instance) Disabled() bool      { return i.disabled.Load() }
func (i *Instance) State() CallState    { return CallState(i.state.Load()) }

// Artifact is the file the instance was loaded from.
func (i *Instance) Artifact() string { return i.artifact }

// Call runs hook p on m.  On success it returns the message as the
// plugin left it, which is m itself if the plugin changed nothing.  On
// failure it returns m and a *Failure.
func (i *Instance) Call(ctx context.Context, p Point, t backend.Type, m *message.Message) (*message.Message, error) {
	if i.disabled.Load() {
		return m, ErrDisabled
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disabled.Load() {
		return m, ErrDisabled
	}

	i.state.Store(int32(Dispatched))
	out, state, err := i.call(ctx, p, t, m)
	i.state.Store(int32(state))
	if err != nil {
		if state == Trapped || (state == TimedOut && errors.Is(err, errGuestTimeout)) {
			i.disable(err)
		}
		return m, &Failure{Plugin: i.Name(), Point: p, State: state, Err: err}
	}
	return out, nil
}

var errGuestTimeout = errors.New("guest exceeded the call timeout")

func (i *Instance) call(ctx context.Context, p Point, t backend.Type, m *message.Message) (*message.Message, CallState, error) {
	in, err := encodeInput(p, t, m)
	if err != nil {
		return nil, Failed, err
	}

	// Only the call timeout stops a running guest.  The caller's
	// cancellation is observed between guest entries, in await.
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.callTimeout)
	defer cancel()
	s := newSession(gctx, i)

	i.state.Store(int32(Running))
	out, state, err := i.run(ctx, s, p, m, in)
	s.cancelAll(state != Trapped && !errors.Is(err, errGuestTimeout))
	return out, state, err
}

func (i *Instance) run(ctx context.Context, s *session, p Point, m *message.Message, in []byte) (*message.Message, CallState, error) {
	status, err := i.guest.hook(s.ctx, s, p, in)
	if err != nil {
		return guestFailure(s.ctx, err)
	}
	for status == statusPending {
		var state CallState
		status, state, err = s.await(ctx)
		if err != nil {
			return nil, state, err
		}
	}

	switch status {
	case statusUnchanged:
		return m, Completed, nil
	case statusChanged:
		if s.output == nil {
			return nil, Failed, errors.New("hook reported a change without setting output")
		}
		out, err := applyOutput(m, s.output)
		if err != nil {
			return nil, Failed, err
		}
		return out, Completed, nil
	case statusError:
		msg := s.errMsg
		if msg == "" {
			msg = "hook reported an error"
		}
		return nil, Failed, errors.New(msg)
	}
	return nil, Failed, errors.Errorf("hook returned invalid status %d", status)
}

// guestFailure classifies an error from running guest code under ctx,
// the call context.  A trap or a call timeout leaves the instance
// unusable.
func guestFailure(ctx context.Context, err error) (*message.Message, CallState, error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, TimedOut, errors.Wrap(errGuestTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return nil, Failed, err
	}
	return nil, Trapped, err
}

func (i *Instance) disable(err error) {
	if i.disabled.Swap(true) {
		return
	}
	i.log.Warn("plugin disabled", zap.Error(err))
}

// Close releases the instance.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disabled.Store(true)
	return i.guest.close(ctx)
}

// invocation is an asynchronous host call the guest is waiting for.
type invocation struct {
	id       uint64
	op       string
	deadline time.Time
	cancel   context.CancelFunc
}

type hostResult struct {
	id   uint64
	ok   bool
	data []byte
}

// session is the host side of one hook call.
type session struct {
	ctx  context.Context
	inst *Instance

	pending map[uint64]*invocation
	results chan hostResult

	// The answer of the last immediate call_host, for response_read.
	response []byte

	output []byte
	errMsg string
}

func newSession(ctx context.Context, inst *Instance) *session {
	return &session{
		ctx:     ctx,
		inst:    inst,
		pending: make(map[uint64]*invocation),
		results: make(chan hostResult),
	}
}

// callHost starts host operation op.  It returns an invocation id, or
// callImmediate or callError with the answer in s.response.
func (s *session) callHost(op string, req []byte) int64 {
	o, ok := s.inst.ops[op]
	if !ok {
		s.response = []byte(fmt.Sprintf("unknown operation %q", op))
		return callError
	}
	if !o.async {
		data, err := o.run(s.ctx, s.inst, req)
		if err != nil {
			s.response = []byte(err.Error())
			return callError
		}
		s.response = data
		return callImmediate
	}

	s.inst.nextID++
	id := s.inst.nextID
	ctx, cancel := context.WithTimeout(s.ctx, s.inst.invocationTimeout)
	s.pending[id] = &invocation{
		id:       id,
		op:       op,
		deadline: time.Now().Add(s.inst.invocationTimeout),
		cancel:   cancel,
	}
	req = append([]byte(nil), req...)
	go func() {
		data, err := o.run(ctx, s.inst, req)
		if ctx.Err() != nil {
			// Timed out or abandoned; the waiting side has moved on.
			return
		}
		r := hostResult{id: id, ok: err == nil, data: data}
		if err != nil {
			r.data = []byte(err.Error())
		}
		select {
		case s.results <- r:
		case <-ctx.Done():
		}
	}()
	s.response = nil
	return int64(id)
}

// await delivers the next invocation result to the guest, or cancels
// the invocation whose deadline passes first.  It gives up if ctx,
// the caller's context, ends.
func (s *session) await(ctx context.Context) (int32, CallState, error) {
	if len(s.pending) == 0 {
		return 0, Failed, errors.New("hook is pending with no outstanding host calls")
	}
	var next *invocation
	for _, inv := range s.pending {
		if next == nil || inv.deadline.Before(next.deadline) {
			next = inv
		}
	}
	timer := time.NewTimer(time.Until(next.deadline))
	defer timer.Stop()

	select {
	case r := <-s.results:
		inv, ok := s.pending[r.id]
		if !ok {
			return statusPending, Running, nil
		}
		delete(s.pending, r.id)
		inv.cancel()
		status, err := s.inst.guest.result(s.ctx, s, r.id, r.ok, r.data)
		if err != nil {
			_, state, err := guestFailure(s.ctx, err)
			return 0, state, err
		}
		return status, Running, nil

	case <-timer.C:
		delete(s.pending, next.id)
		next.cancel()
		if err := s.inst.guest.cancel(s.ctx, s, next.id); err != nil {
			_, state, err := guestFailure(s.ctx, err)
			return 0, state, err
		}
		return 0, TimedOut, errors.Errorf("host call %s (invocation %d) timed out after %v", next.op, next.id, s.inst.invocationTimeout)

	case <-s.ctx.Done():
		return 0, TimedOut, errors.Wrap(s.ctx.Err(), "hook call exceeded the call timeout")

	case <-ctx.Done():
		return 0, Failed, errors.Wrap(ctx.Err(), "hook call abandoned")
	}
}

// cancelAll abandons the outstanding invocations, oldest first.  If
// notify is set and the guest can still run, it is told of each
// through on_host_cancel.
func (s *session) cancelAll(notify bool) {
	ids := make([]uint64, 0, len(s.pending))
	for id, inv := range s.pending {
		inv.cancel()
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		delete(s.pending, id)
		if !notify || s.ctx.Err() != nil {
			continue
		}
		if err := s.inst.guest.cancel(s.ctx, s, id); err != nil {
			s.inst.log.Debug("on_host_cancel failed", zap.Uint64("invocation", id), zap.Error(err))
			notify = false
		}
	}
}

func (s *session) setOutput(b []byte) {
	s.output = append([]byte(nil), b...)
}

func (s *session) setError(msg string) {
	s.errMsg = msg
}

func (s *session) logGuest(level uint32, msg string) {
	log := s.inst.log
	switch level {
	case levelDebug:
		log.Debug(msg)
	case levelInfo:
		log.Info(msg)
	case levelWarn:
		log.Warn(msg)
	case levelError:
		log.Error(msg)
	default:
		log.Info(msg, zap.Uint32("level", level))
	}
}
