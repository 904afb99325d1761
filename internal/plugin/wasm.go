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

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// hostModule is the import module name of the host functions.
const hostModule = "gotmail"

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type signature struct {
	params, results []api.ValueType
}

// Guest exports, with the signature each must have.
var (
	requiredExports = map[string]signature{
		"alloc":          {[]api.ValueType{i32}, []api.ValueType{i32}},
		"on_host_result": {[]api.ValueType{i64, i32, i32, i32}, []api.ValueType{i32}},
	}
	optionalExports = map[string]signature{
		"dealloc":        {[]api.ValueType{i32, i32}, nil},
		"abi_version":    {nil, []api.ValueType{i32}},
		"on_host_cancel": {[]api.ValueType{i64}, []api.ValueType{i32}},
	}
	hookSignature = signature{[]api.ValueType{i32, i32}, []api.ValueType{i32}}
)

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checkSignature(name string, def api.FunctionDefinition, want signature) error {
	if !sameTypes(def.ParamTypes(), want.params) || !sameTypes(def.ResultTypes(), want.results) {
		return invalid("export %s has the wrong signature", name)
	}
	return nil
}

// checkExports verifies that a compiled plugin implements the ABI and
// every hook its manifest declares.
func checkExports(compiled wazero.CompiledModule, m *Manifest) error {
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return invalid("plugin %q does not export memory", m.Name)
	}
	funcs := compiled.ExportedFunctions()
	for name, sig := range requiredExports {
		def, ok := funcs[name]
		if !ok {
			return invalid("plugin %q does not export %s", m.Name, name)
		}
		if err := checkSignature(name, def, sig); err != nil {
			return err
		}
	}
	for name, sig := range optionalExports {
		if def, ok := funcs[name]; ok {
			if err := checkSignature(name, def, sig); err != nil {
				return err
			}
		}
	}
	for _, p := range m.Hooks {
		def, ok := funcs[p.export()]
		if !ok {
			return invalid("plugin %q declares hook %s but does not export %s", m.Name, p, p.export())
		}
		if err := checkSignature(p.export(), def, hookSignature); err != nil {
			return err
		}
	}
	return nil
}

// newWazeroRuntime returns a runtime with WASI and the host module
// instantiated.
func newWazeroRuntime(ctx context.Context, cfg wazero.RuntimeConfig) (wazero.Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, cfg.WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(err, "unable to instantiate WASI")
	}
	_, err := rt.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().WithFunc(hostCallHost).Export("call_host").
		NewFunctionBuilder().WithFunc(hostResponseLen).Export("response_len").
		NewFunctionBuilder().WithFunc(hostResponseRead).Export("response_read").
		NewFunctionBuilder().WithFunc(hostSetOutput).Export("set_output").
		NewFunctionBuilder().WithFunc(hostSetError).Export("set_error").
		NewFunctionBuilder().WithFunc(hostLog).Export("log").
		Instantiate(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(err, "unable to instantiate host module")
	}
	return rt, nil
}

type sessionKey struct{}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// Host functions panic on misuse; the runtime turns the panic into a
// trap of the calling guest.
func sessionFrom(ctx context.Context) *session {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		panic(errors.New("host function called outside a hook call"))
	}
	return s
}

func readGuest(m api.Module, ptr, n uint32) []byte {
	b, ok := m.Memory().Read(ptr, n)
	if !ok {
		panic(errors.Errorf("guest memory access out of range: %d+%d", ptr, n))
	}
	return append([]byte(nil), b...)
}

func hostCallHost(ctx context.Context, m api.Module, opPtr, opLen, reqPtr, reqLen uint32) int64 {
	s := sessionFrom(ctx)
	op := readGuest(m, opPtr, opLen)
	req := readGuest(m, reqPtr, reqLen)
	return s.callHost(string(op), req)
}

func hostResponseLen(ctx context.Context, m api.Module) uint32 {
	return uint32(len(sessionFrom(ctx).response))
}

func hostResponseRead(ctx context.Context, m api.Module, ptr uint32) {
	s := sessionFrom(ctx)
	if !m.Memory().Write(ptr, s.response) {
		panic(errors.Errorf("guest memory access out of range: %d+%d", ptr, len(s.response)))
	}
}

func hostSetOutput(ctx context.Context, m api.Module, ptr, n uint32) {
	sessionFrom(ctx).setOutput(readGuest(m, ptr, n))
}

func hostSetError(ctx context.Context, m api.Module, ptr, n uint32) {
	sessionFrom(ctx).setError(string(readGuest(m, ptr, n)))
}

func hostLog(ctx context.Context, m api.Module, level, ptr, n uint32) {
	sessionFrom(ctx).logGuest(level, string(readGuest(m, ptr, n)))
}

// wasmGuest runs a plugin compiled to WebAssembly.
type wasmGuest struct {
	mod      api.Module
	alloc    api.Function
	dealloc  api.Function
	onResult api.Function
	onCancel api.Function
}

func newWasmGuest(ctx context.Context, mod api.Module) (*wasmGuest, error) {
	if v := mod.ExportedFunction("abi_version"); v != nil {
		res, err := v.Call(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "abi_version failed")
		}
		if got := api.DecodeI32(res[0]); got != ABIVersion {
			return nil, invalid("plugin speaks ABI version %d, host speaks %d", got, ABIVersion)
		}
	}
	return &wasmGuest{
		mod:      mod,
		alloc:    mod.ExportedFunction("alloc"),
		dealloc:  mod.ExportedFunction("dealloc"),
		onResult: mod.ExportedFunction("on_host_result"),
		onCancel: mod.ExportedFunction("on_host_cancel"),
	}, nil
}

// write copies data into a guest buffer.
func (g *wasmGuest) write(ctx context.Context, data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	n := uint32(len(data))
	res, err := g.alloc.Call(ctx, api.EncodeU32(n))
	if err != nil {
		return 0, 0, errors.Wrap(err, "alloc failed")
	}
	ptr := api.DecodeU32(res[0])
	if !g.mod.Memory().Write(ptr, data) {
		return 0, 0, errors.Errorf("alloc returned an out of range buffer %d+%d", ptr, n)
	}
	return ptr, n, nil
}

func (g *wasmGuest) free(ctx context.Context, ptr, n uint32) error {
	if g.dealloc == nil || n == 0 {
		return nil
	}
	_, err := g.dealloc.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(n))
	return err
}

func (g *wasmGuest) hook(ctx context.Context, s *session, p Point, in []byte) (int32, error) {
	ctx = withSession(ctx, s)
	fn := g.mod.ExportedFunction(p.export())
	if fn == nil {
		return 0, errors.Errorf("%s is not exported", p.export())
	}
	ptr, n, err := g.write(ctx, in)
	if err != nil {
		return 0, err
	}
	res, err := fn.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(n))
	if err != nil {
		return 0, err
	}
	if err := g.free(ctx, ptr, n); err != nil {
		return 0, err
	}
	return api.DecodeI32(res[0]), nil
}

func (g *wasmGuest) result(ctx context.Context, s *session, id uint64, ok bool, data []byte) (int32, error) {
	ctx = withSession(ctx, s)
	ptr, n, err := g.write(ctx, data)
	if err != nil {
		return 0, err
	}
	var okArg uint32
	if ok {
		okArg = 1
	}
	res, err := g.onResult.Call(ctx, api.EncodeI64(int64(id)), api.EncodeU32(okArg), api.EncodeU32(ptr), api.EncodeU32(n))
	if err != nil {
		return 0, err
	}
	if err := g.free(ctx, ptr, n); err != nil {
		return 0, err
	}
	return api.DecodeI32(res[0]), nil
}

func (g *wasmGuest) cancel(ctx context.Context, s *session, id uint64) error {
	if g.onCancel == nil {
		return nil
	}
	_, err := g.onCancel.Call(withSession(ctx, s), api.EncodeI64(int64(id)))
	return err
}

func (g *wasmGuest) close(ctx context.Context) error {
	return g.mod.Close(ctx)
}
