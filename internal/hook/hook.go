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

// Package hook passes messages through the plugins registered for each
// hook point.
package hook

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/plugin"
)

const instrumentationName = "github.com/matta/gotmail/internal/hook"

// Plugin is a loaded plugin as the pipeline uses it.  *plugin.Instance
// implements it.
type Plugin interface {
	Name() string
	Manifest() *plugin.Manifest
	Call(ctx context.Context, p plugin.Point, t backend.Type, m *message.Message) (*message.Message, error)
}

// FromInstances adapts loaded plugin instances for New.
func FromInstances(instances []*plugin.Instance) []Plugin {
	out := make([]Plugin, len(instances))
	for i, inst := range instances {
		out[i] = inst
	}
	return out
}

// Result is the outcome of running one hook point.
type Result struct {
	// The message after every successful plugin.
	Message *message.Message

	// Whether some plugin changed the message.
	Changed bool

	// Plugins whose call failed.  Their changes, if any, were
	// discarded.
	Failures []*plugin.Failure
}

// Err combines the failures into one error, or returns nil.
func (r *Result) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

type Option func(*Pipeline)

// WithMeterProvider sets the provider of the pipeline's metrics.  The
// default is the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pipeline) { p.meterProvider = mp }
}

// Pipeline runs hook points.  It is safe for concurrent use; each
// plugin serializes its own calls.
type Pipeline struct {
	log           *zap.Logger
	meterProvider metric.MeterProvider
	calls         metric.Int64Counter
	failures      metric.Int64Counter

	mu     sync.RWMutex
	points map[plugin.Point][]Plugin
}

// New builds a pipeline from the loaded plugins.  At every point the
// plugins run in the order their names appear in enabled.  Plugins not
// named in enabled are left out.
func New(plugins []Plugin, enabled []string, log *zap.Logger, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		log:    log,
		points: make(map[plugin.Point][]Plugin),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}
	meter := p.meterProvider.Meter(instrumentationName)
	var err error
	p.calls, err = meter.Int64Counter("gotmail.hook.calls",
		metric.WithDescription("Number of plugin hook calls"))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create hook metrics")
	}
	p.failures, err = meter.Int64Counter("gotmail.hook.failures",
		metric.WithDescription("Number of failed plugin hook calls"))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create hook metrics")
	}

	byName := make(map[string]Plugin, len(plugins))
	for _, pl := range plugins {
		byName[strings.ToLower(pl.Name())] = pl
	}
	for _, name := range enabled {
		pl, ok := byName[strings.ToLower(name)]
		if !ok {
			continue
		}
		delete(byName, strings.ToLower(name))
		for _, pt := range plugin.Points {
			if pl.Manifest().Declares(pt) {
				p.points[pt] = append(p.points[pt], pl)
			}
		}
	}
	for _, pl := range byName {
		log.Warn("plugin loaded but not enabled, ignoring", zap.String("plugin", pl.Name()))
	}
	return p, nil
}

// Plugins returns the names of the plugins at point pt, in order.
func (p *Pipeline) Plugins(pt plugin.Point) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for _, pl := range p.points[pt] {
		names = append(names, pl.Name())
	}
	return names
}

// Disable removes the named plugin from every point.
func (p *Pipeline) Disable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pt, list := range p.points {
		kept := list[:0:0]
		for _, pl := range list {
			if !strings.EqualFold(pl.Name(), name) {
				kept = append(kept, pl)
			}
		}
		p.points[pt] = kept
	}
}

// Run passes msg through every plugin at point pt that supports
// backend type t.  A failing plugin is skipped: the message continues
// as the previous plugin left it.  msg itself is never modified.
func (p *Pipeline) Run(ctx context.Context, pt plugin.Point, t backend.Type, msg *message.Message) *Result {
	p.mu.RLock()
	list := append([]Plugin(nil), p.points[pt]...)
	p.mu.RUnlock()

	res := &Result{Message: msg}
	for _, pl := range list {
		if !pl.Manifest().Supports(t) {
			continue
		}
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, &plugin.Failure{Plugin: pl.Name(), Point: pt, State: plugin.Failed, Err: ctx.Err()})
			continue
		}
		attrs := []attribute.KeyValue{
			attribute.String("plugin", pl.Name()),
			attribute.String("point", string(pt)),
		}
		out, err := pl.Call(ctx, pt, t, res.Message)
		if errors.Is(err, plugin.ErrDisabled) {
			continue
		}
		p.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
		if err != nil {
			f := asFailure(pl.Name(), pt, err)
			res.Failures = append(res.Failures, f)
			attrs = append(attrs, attribute.String("state", f.State.String()))
			p.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
			p.log.Warn("plugin hook failed",
				zap.String("plugin", pl.Name()),
				zap.String("point", string(pt)),
				zap.Stringer("state", f.State),
				zap.Error(f.Err))
			if f.State == plugin.Trapped {
				p.Disable(pl.Name())
			}
			continue
		}
		if out != res.Message {
			res.Message = out
			res.Changed = true
		}
	}
	return res
}

func asFailure(name string, pt plugin.Point, err error) *plugin.Failure {
	var f *plugin.Failure
	if errors.As(err, &f) {
		return f
	}
	return &plugin.Failure{Plugin: name, Point: pt, State: plugin.Failed, Err: err}
}
