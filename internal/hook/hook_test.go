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

package hook

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/plugin"
)

// fakePlugin appends its suffix to the body, or fails with err.
type fakePlugin struct {
	manifest plugin.Manifest
	suffix   string
	err      error
	calls    int
}

func newFake(name, suffix string, hooks ...plugin.Point) *fakePlugin {
	return &fakePlugin{
		manifest: plugin.Manifest{
			Name:     name,
			Backends: []backend.Type{backend.OAuth2, backend.Password},
			Hooks:    hooks,
		},
		suffix: suffix,
	}
}

func (f *fakePlugin) Name() string               { return f.manifest.Name }
func (f *fakePlugin) Manifest() *plugin.Manifest { return &f.manifest }

func (f *fakePlugin) Call(ctx context.Context, p plugin.Point, t backend.Type, m *message.Message) (*message.Message, error) {
	f.calls++
	if f.err != nil {
		return m, f.err
	}
	if f.suffix == "" {
		return m, nil
	}
	c := m.Clone()
	c.Body = append(c.Body, f.suffix...)
	return c, nil
}

// countingProvider counts every Add on every counter by name.
type countingProvider struct {
	noop.MeterProvider
	mu     sync.Mutex
	counts map[string]int64
}

func (p *countingProvider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return &countingMeter{p: p}
}

func (p *countingProvider) count(name string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[name]
}

type countingMeter struct {
	noop.Meter
	p *countingProvider
}

func (m *countingMeter) Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return &countingCounter{p: m.p, name: name}, nil
}

type countingCounter struct {
	noop.Int64Counter
	p    *countingProvider
	name string
}

func (c *countingCounter) Add(ctx context.Context, incr int64, opts ...metric.AddOption) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.counts[c.name] += incr
}

func newPipeline(t *testing.T, plugins []Plugin, enabled []string) (*Pipeline, *countingProvider) {
	t.Helper()
	mp := &countingProvider{counts: map[string]int64{}}
	p, err := New(plugins, enabled, zaptest.NewLogger(t), WithMeterProvider(mp))
	if err != nil {
		t.Fatal(err)
	}
	return p, mp
}

func body(s string) *message.Message {
	return &message.Message{Body: []byte(s)}
}

func TestRunInEnabledOrder(t *testing.T) {
	a := newFake("A", "-a", plugin.BeforeSend)
	b := newFake("B", "-b", plugin.BeforeSend, plugin.AfterSend)
	c := newFake("C", "-c", plugin.AfterReceive)
	p, _ := newPipeline(t, []Plugin{a, b, c}, []string{"b", "a", "c"})

	if diff := cmp.Diff([]string{"B", "A"}, p.Plugins(plugin.BeforeSend)); diff != "" {
		t.Errorf("Plugins(before_send) mismatch (-want +got):\n%s", diff)
	}
	in := body("hello")
	res := p.Run(context.Background(), plugin.BeforeSend, backend.OAuth2, in)
	if got := string(res.Message.Body); got != "hello-b-a" {
		t.Errorf("Run() body = %q, want %q", got, "hello-b-a")
	}
	if !res.Changed || len(res.Failures) != 0 {
		t.Errorf("Run() = changed %v, failures %v", res.Changed, res.Failures)
	}
	if string(in.Body) != "hello" {
		t.Errorf("Run() modified its input: %q", in.Body)
	}
	if c.calls != 0 {
		t.Errorf("plugin without the hook was called")
	}
}

func TestRunNoPlugins(t *testing.T) {
	p, _ := newPipeline(t, nil, nil)
	in := body("hello")
	res := p.Run(context.Background(), plugin.BeforeReceive, backend.Password, in)
	if res.Message != in || res.Changed || res.Err() != nil {
		t.Errorf("Run() with no plugins = %+v", res)
	}
}

func TestRunSkipsUnsupportedBackend(t *testing.T) {
	a := newFake("A", "-a", plugin.BeforeSend)
	a.manifest.Backends = []backend.Type{backend.Password}
	p, _ := newPipeline(t, []Plugin{a}, []string{"A"})
	res := p.Run(context.Background(), plugin.BeforeSend, backend.OAuth2, body("x"))
	if a.calls != 0 || res.Changed {
		t.Errorf("plugin for password backends ran on an oauth2 backend")
	}
}

func TestFailureIsolation(t *testing.T) {
	slow := newFake("slow", "-slow", plugin.BeforeSend)
	slow.err = &plugin.Failure{Plugin: "slow", Point: plugin.BeforeSend, State: plugin.TimedOut, Err: errors.New("host call timed out")}
	broken := newFake("broken", "", plugin.BeforeSend)
	broken.err = errors.New("boom")
	sig := newFake("sig", "<suffix>", plugin.BeforeSend)
	p, mp := newPipeline(t, []Plugin{slow, broken, sig}, []string{"slow", "broken", "sig"})

	res := p.Run(context.Background(), plugin.BeforeSend, backend.OAuth2, body("hello"))
	if got := string(res.Message.Body); got != "hello<suffix>" {
		t.Errorf("Run() body = %q, want %q", got, "hello<suffix>")
	}
	var states []plugin.CallState
	for _, f := range res.Failures {
		states = append(states, f.State)
	}
	if diff := cmp.Diff([]plugin.CallState{plugin.TimedOut, plugin.Failed}, states); diff != "" {
		t.Errorf("failure states mismatch (-want +got):\n%s", diff)
	}
	if res.Err() == nil {
		t.Errorf("Result.Err() = nil with failures")
	}
	if got := mp.count("gotmail.hook.failures"); got != 2 {
		t.Errorf("failures counter = %d, want 2", got)
	}
	if got := mp.count("gotmail.hook.calls"); got != 3 {
		t.Errorf("calls counter = %d, want 3", got)
	}

	// A timed out plugin stays in the pipeline.
	if diff := cmp.Diff([]string{"slow", "broken", "sig"}, p.Plugins(plugin.BeforeSend)); diff != "" {
		t.Errorf("Plugins() mismatch (-want +got):\n%s", diff)
	}
}

func TestTrapRemovesPlugin(t *testing.T) {
	bad := newFake("bad", "", plugin.BeforeSend, plugin.AfterSend)
	bad.err = &plugin.Failure{Plugin: "bad", State: plugin.Trapped, Err: errors.New("unreachable")}
	good := newFake("good", "!", plugin.BeforeSend)
	p, _ := newPipeline(t, []Plugin{bad, good}, []string{"bad", "good"})

	res := p.Run(context.Background(), plugin.BeforeSend, backend.OAuth2, body("x"))
	if len(res.Failures) != 1 || string(res.Message.Body) != "x!" {
		t.Errorf("Run() = %q, failures %v", res.Message.Body, res.Failures)
	}
	res = p.Run(context.Background(), plugin.BeforeSend, backend.OAuth2, body("x"))
	if len(res.Failures) != 0 || bad.calls != 1 {
		t.Errorf("trapped plugin called again: calls %d, failures %v", bad.calls, res.Failures)
	}
	if got := p.Plugins(plugin.AfterSend); len(got) != 0 {
		t.Errorf("Plugins(after_send) = %v, want none", got)
	}
}

func TestDisable(t *testing.T) {
	a := newFake("A", "-a", plugin.BeforeReceive, plugin.AfterReceive)
	b := newFake("B", "-b", plugin.BeforeReceive)
	p, _ := newPipeline(t, []Plugin{a, b}, []string{"A", "B"})
	p.Disable("a")

	res := p.Run(context.Background(), plugin.BeforeReceive, backend.OAuth2, body("m"))
	if got := string(res.Message.Body); got != "m-b" {
		t.Errorf("Run() after Disable = %q, want %q", got, "m-b")
	}
	if got := p.Plugins(plugin.AfterReceive); len(got) != 0 {
		t.Errorf("Plugins(after_receive) = %v, want none", got)
	}
}

func TestDisabledInstanceIsSkippedSilently(t *testing.T) {
	a := newFake("A", "", plugin.BeforeSend)
	a.err = plugin.ErrDisabled
	p, mp := newPipeline(t, []Plugin{a}, []string{"A"})
	res := p.Run(context.Background(), plugin.BeforeSend, backend.OAuth2, body("m"))
	if len(res.Failures) != 0 || mp.count("gotmail.hook.calls") != 0 {
		t.Errorf("disabled plugin reported: %v", res.Failures)
	}
}
