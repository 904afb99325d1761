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
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/matta/gotmail/internal/backend"
)

// A minimal wasm assembler, enough for the test module below.

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func vec(items ...[]byte) []byte {
	return cat(uleb(len(items)), cat(items...))
}

func wasmName(s string) []byte {
	return cat(uleb(len(s)), []byte(s))
}

func section(id byte, content []byte) []byte {
	return cat([]byte{id}, uleb(len(content)), content)
}

func funcType(params, results []byte) []byte {
	return cat([]byte{0x60}, uleb(len(params)), params, uleb(len(results)), results)
}

// body wraps instructions into a function body without locals.
func body(instrs ...byte) []byte {
	b := cat([]byte{0x00}, instrs, []byte{0x0b})
	return cat(uleb(len(b)), b)
}

const (
	tI32 = 0x7f
	tI64 = 0x7e
)

// testModule exports the ABI with three hooks:
//
//	before_send    returns 0 (unchanged)
//	after_send     executes unreachable
//	before_receive reports its whole input as the error
func testModule() []byte {
	types := vec(
		funcType([]byte{tI32, tI32}, nil),
		funcType([]byte{tI32}, []byte{tI32}),
		funcType([]byte{tI32, tI32}, []byte{tI32}),
		funcType([]byte{tI64, tI32, tI32, tI32}, []byte{tI32}),
	)
	imports := vec(cat(wasmName(hostModule), wasmName("set_error"), []byte{0x00, 0x00}))
	funcs := vec([]byte{1}, []byte{2}, []byte{2}, []byte{2}, []byte{3})
	mems := vec([]byte{0x00, 0x01})
	exports := vec(
		cat(wasmName("memory"), []byte{0x02, 0x00}),
		cat(wasmName("alloc"), []byte{0x00, 0x01}),
		cat(wasmName("hook_before_send"), []byte{0x00, 0x02}),
		cat(wasmName("hook_after_send"), []byte{0x00, 0x03}),
		cat(wasmName("hook_before_receive"), []byte{0x00, 0x04}),
		cat(wasmName("on_host_result"), []byte{0x00, 0x05}),
	)
	code := vec(
		body(0x41, 0x80, 0x08), // i32.const 1024
		body(0x41, 0x00),       // i32.const 0
		body(0x00),             // unreachable
		body(0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x41, 0x7f), // set_error(ptr, len); i32.const -1
		body(0x41, 0x00),
	)
	return cat(
		[]byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, mems),
		section(7, exports),
		section(10, code),
	)
}

const testManifest = `
description = "test plugin"
backends = ["oauth2", "password"]
hooks = ["before_send", "after_send", "before_receive"]
`

func writePlugin(t *testing.T, root, dir, name string, artifacts map[string][]byte) {
	t.Helper()
	writeFile(t, filepath.Join(root, dir, manifestFile), "name = \""+name+"\"\n"+testManifest)
	for file, data := range artifacts {
		writeFile(t, filepath.Join(root, dir, file), string(data))
	}
}

func TestLoadAndCall(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, "rocket", "Rocket", map[string][]byte{portableFile: testModule()})

	rt, instances, warnings := Load(ctx, root, []string{"rocket"}, Options{Log: zaptest.NewLogger(t)})
	defer rt.Close(ctx)
	if len(warnings) != 0 {
		t.Fatalf("Load() warnings = %v", warnings)
	}
	if len(instances) != 1 {
		t.Fatalf("Load() = %d instances, want 1", len(instances))
	}
	inst := instances[0]
	if inst.Name() != "Rocket" || inst.Artifact() != portableFile {
		t.Errorf("instance = %s from %s", inst.Name(), inst.Artifact())
	}

	m := testMessage()
	got, err := inst.Call(ctx, BeforeSend, backend.OAuth2, m)
	if err != nil || got != m {
		t.Errorf("Call(before_send) = %v, %v, want the input unchanged", got, err)
	}

	_, err = inst.Call(ctx, BeforeReceive, backend.OAuth2, m)
	if failureState(err) != Failed || !strings.Contains(err.Error(), `"hook":"before_receive"`) {
		t.Errorf("Call(before_receive) = %v, want Failed with the input as message", err)
	}

	_, err = inst.Call(ctx, AfterSend, backend.OAuth2, m)
	if failureState(err) != Trapped {
		t.Errorf("Call(after_send) = %v, want Trapped", err)
	}
	if !inst.Disabled() {
		t.Errorf("instance not disabled after trap")
	}
	if _, err := inst.Call(ctx, BeforeSend, backend.OAuth2, m); err != ErrDisabled {
		t.Errorf("Call() after trap = %v, want ErrDisabled", err)
	}
}

func TestLoadPrefersCompiledArtifact(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, "both", "both", map[string][]byte{
		compiledFile: testModule(),
		portableFile: []byte("not wasm"),
	})

	opts := Options{CacheDir: t.TempDir(), Log: zaptest.NewLogger(t)}
	rt, instances, warnings := Load(ctx, root, []string{"both"}, opts)
	defer rt.Close(ctx)
	if len(warnings) != 0 || len(instances) != 1 {
		t.Fatalf("Load() = %d instances, warnings %v", len(instances), warnings)
	}
	if got := instances[0].Artifact(); got != compiledFile {
		t.Errorf("Artifact() = %q, want %q", got, compiledFile)
	}
}

func TestLoadWarnings(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	good := map[string][]byte{portableFile: testModule()}

	writePlugin(t, root, "a-first", "first", good)
	writePlugin(t, root, "b-second", "second", good)
	writePlugin(t, root, "disabled", "disabled", good)
	writePlugin(t, root, "noartifact", "noartifact", nil)
	writePlugin(t, root, "garbage", "garbage", map[string][]byte{portableFile: []byte("not wasm")})
	writeFile(t, filepath.Join(root, "nobackends", manifestFile), `name = "nobackends"`)
	writeFile(t, filepath.Join(root, "nohook", manifestFile), `
name = "nohook"
backends = ["oauth2"]
hooks = ["after_receive"]
`)
	writeFile(t, filepath.Join(root, "nohook", portableFile), string(testModule()))
	writeFile(t, filepath.Join(root, "README"), "not a plugin")

	enabled := []string{"Second", "first", "noartifact", "garbage", "nohook", "ghost"}
	rt, instances, warnings := Load(ctx, root, enabled, Options{Log: zaptest.NewLogger(t)})
	defer rt.Close(ctx)

	var names []string
	for _, inst := range instances {
		names = append(names, inst.Name())
	}
	if diff := cmp.Diff([]string{"second", "first"}, names); diff != "" {
		t.Errorf("instances mismatch (-want +got):\n%s", diff)
	}

	var dirs []string
	for _, w := range warnings {
		if !errors.Is(w.Err, ErrConfigInvalid) {
			t.Errorf("warning %v is not ErrConfigInvalid", w)
		}
		dirs = append(dirs, filepath.Base(w.Dir))
	}
	sort.Strings(dirs)
	want := []string{"garbage", "ghost", "noartifact", "nobackends", "nohook"}
	if diff := cmp.Diff(want, dirs); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingRoot(t *testing.T) {
	ctx := context.Background()
	rt, instances, warnings := Load(ctx, filepath.Join(t.TempDir(), "absent"), nil, Options{})
	defer rt.Close(ctx)
	if len(instances) != 0 || len(warnings) != 0 {
		t.Errorf("Load(absent) = %v, %v, want nothing", instances, warnings)
	}
}
