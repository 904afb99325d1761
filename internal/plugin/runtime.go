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

// Package plugin loads WebAssembly plugins and runs their hooks in a
// sandbox.
//
// A plugin is a directory holding manifest.toml and either
// plugin.cwasm, a module meant for the optimizing compiler, or the
// portable plugin.wasm.  The guest talks to the host through the
// "gotmail" import module; see abi.go for the calling convention.
package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultInvocationTimeout = 5 * time.Second
	DefaultCallTimeout       = 10 * time.Second

	manifestFile = "manifest.toml"
	compiledFile = "plugin.cwasm"
	portableFile = "plugin.wasm"
)

type Options struct {
	// How long an asynchronous host call may take.
	InvocationTimeout time.Duration

	// How long a whole hook call may take.  A guest still running
	// when it expires is stopped and disabled.
	CallTimeout time.Duration

	// On-disk compilation cache for plugin.cwasm.  Empty disables
	// the cache.
	CacheDir string

	// Serves the store.lookup host operation.
	Lookup LookupFunc

	Log *zap.Logger
}

func (o *Options) log() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

// LoadWarning is a plugin that could not be loaded.
type LoadWarning struct {
	// The plugin directory, or the plugin name if no directory
	// was found for it.
	Dir string
	Err error
}

func (w LoadWarning) Error() string {
	return w.Dir + ": " + w.Err.Error()
}

// Runtime owns the sandboxes the plugins run in.
type Runtime struct {
	opts Options
	log  *zap.Logger

	portable wazero.Runtime
	compiler wazero.Runtime
	cache    wazero.CompilationCache

	instances []*Instance
}

// Load loads the plugins under root whose names appear in enabled.
// Each subdirectory of root is one plugin.  The instances are returned
// in the order of enabled.  Plugins that cannot be loaded are
// reported as warnings and otherwise ignored.
func Load(ctx context.Context, root string, enabled []string, opts Options) (*Runtime, []*Instance, []LoadWarning) {
	r := &Runtime{opts: opts, log: opts.log()}
	var warnings []LoadWarning

	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		want[strings.ToLower(name)] = true
	}
	found := make(map[string]*Instance)
	failed := make(map[string]bool)

	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		warnings = append(warnings, LoadWarning{Dir: root, Err: errors.Wrap(err, "unable to read plugin directory")})
	}
	if len(entries) > 0 && len(want) > 0 {
		r.portable, err = newWazeroRuntime(ctx, wazero.NewRuntimeConfigInterpreter())
		if err != nil {
			warnings = append(warnings, LoadWarning{Dir: root, Err: err})
			entries = nil
		}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		path := filepath.Join(dir, manifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := ReadManifest(path)
		if err != nil {
			warnings = append(warnings, LoadWarning{Dir: dir, Err: err})
			continue
		}
		name := strings.ToLower(m.Name)
		if !want[name] {
			r.log.Info("plugin not enabled, skipping", zap.String("plugin", m.Name), zap.String("dir", dir))
			continue
		}
		if found[name] != nil {
			warnings = append(warnings, LoadWarning{Dir: dir, Err: invalid("plugin %q is already loaded from %s", m.Name, found[name].dir)})
			continue
		}
		inst, err := r.load(ctx, dir, m)
		if err != nil {
			failed[name] = true
			warnings = append(warnings, LoadWarning{Dir: dir, Err: err})
			continue
		}
		found[name] = inst
		r.log.Info("plugin loaded",
			zap.String("plugin", m.Name),
			zap.String("artifact", inst.artifact),
			zap.Strings("hooks", pointNames(m.Hooks)))
	}

	var out []*Instance
	for _, name := range enabled {
		lower := strings.ToLower(name)
		if inst := found[lower]; inst != nil {
			out = append(out, inst)
			delete(found, lower)
			continue
		}
		if !failed[lower] {
			warnings = append(warnings, LoadWarning{Dir: name, Err: invalid("enabled plugin %q not found in %s", name, root)})
		}
	}
	r.instances = out
	return r, out, warnings
}

func pointNames(ps []Point) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return names
}

// compilerRuntime returns the runtime for plugin.cwasm artifacts,
// creating it on first use.
func (r *Runtime) compilerRuntime(ctx context.Context) (wazero.Runtime, error) {
	if r.compiler != nil {
		return r.compiler, nil
	}
	cfg := wazero.NewRuntimeConfigCompiler()
	if r.opts.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(r.opts.CacheDir)
		if err != nil {
			return nil, errors.Wrap(err, "unable to open compilation cache")
		}
		r.cache = cache
		cfg = cfg.WithCompilationCache(cache)
	}
	rt, err := newWazeroRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.compiler = rt
	return rt, nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func (r *Runtime) load(ctx context.Context, dir string, m *Manifest) (*Instance, error) {
	var (
		path string
		rt   wazero.Runtime
		err  error
	)
	switch {
	case fileExists(filepath.Join(dir, compiledFile)):
		path = filepath.Join(dir, compiledFile)
		if rt, err = r.compilerRuntime(ctx); err != nil {
			return nil, err
		}
	case fileExists(filepath.Join(dir, portableFile)):
		path = filepath.Join(dir, portableFile)
		rt = r.portable
	default:
		return nil, invalid("plugin %q has neither %s nor %s", m.Name, compiledFile, portableFile)
	}

	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, invalid("unable to compile %s: %v", path, err)
	}
	if err := checkExports(compiled, m); err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	cfg := wazero.NewModuleConfig().
		WithName("plugin/" + strings.ToLower(m.Name)).
		WithStartFunctions("_initialize")
	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, invalid("unable to instantiate %s: %v", path, err)
	}
	g, err := newWasmGuest(ctx, mod)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	inst := newInstance(m, filepath.Base(path), g, &r.opts)
	inst.dir = dir
	return inst, nil
}

// Instances returns the loaded plugins in enabled order.
func (r *Runtime) Instances() []*Instance {
	return r.instances
}

// Close shuts down every instance and the sandboxes.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	for _, inst := range r.instances {
		err = multierr.Append(err, inst.Close(ctx))
	}
	if r.portable != nil {
		err = multierr.Append(err, r.portable.Close(ctx))
	}
	if r.compiler != nil {
		err = multierr.Append(err, r.compiler.Close(ctx))
	}
	if r.cache != nil {
		err = multierr.Append(err, r.cache.Close(ctx))
	}
	return err
}
