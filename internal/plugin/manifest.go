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
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/matta/gotmail/internal/backend"
)

// ErrConfigInvalid marks a plugin that was skipped because its
// manifest or artifact is unusable.
var ErrConfigInvalid = errors.New("invalid plugin configuration")

// Point is a place in the send and receive paths where plugins run.
type Point string

const (
	BeforeReceive Point = "before_receive"
	AfterReceive  Point = "after_receive"
	BeforeSend    Point = "before_send"
	AfterSend     Point = "after_send"
)

// Points lists every hook point in pipeline order.
var Points = []Point{BeforeReceive, AfterReceive, BeforeSend, AfterSend}

func (p Point) valid() bool {
	for _, q := range Points {
		if p == q {
			return true
		}
	}
	return false
}

// export is the name of the guest function implementing p.
func (p Point) export() string { return "hook_" + string(p) }

// Manifest describes a plugin.  It is read from manifest.toml in the
// plugin's directory.
type Manifest struct {
	Name        string         `toml:"name"`
	Description string         `toml:"description"`
	Website     string         `toml:"website"`
	Backends    []backend.Type `toml:"backends"`
	Hooks       []Point        `toml:"hooks"`
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfigInvalid, format, args...)
}

// ReadManifest parses and checks the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, invalid("unable to parse %s: %v", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, invalid("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := m.check(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return &m, nil
}

func (m *Manifest) check() error {
	if strings.TrimSpace(m.Name) == "" {
		return invalid("name is empty")
	}
	if len(m.Backends) == 0 {
		return invalid("plugin %q has an empty backends list and will not be loaded", m.Name)
	}
	for _, b := range m.Backends {
		if b != backend.OAuth2 && b != backend.Password {
			return invalid("plugin %q: unknown backend type %q", m.Name, b)
		}
	}
	seen := map[Point]bool{}
	for _, h := range m.Hooks {
		if !h.valid() {
			return invalid("plugin %q: unknown hook %q", m.Name, h)
		}
		if seen[h] {
			return invalid("plugin %q: hook %q listed twice", m.Name, h)
		}
		seen[h] = true
	}
	return nil
}

// Supports reports whether the plugin runs for backends of type t.
func (m *Manifest) Supports(t backend.Type) bool {
	for _, b := range m.Backends {
		if b == t {
			return true
		}
	}
	return false
}

// Declares reports whether the plugin implements hook p.
func (m *Manifest) Declares(p Point) bool {
	for _, h := range m.Hooks {
		if h == p {
			return true
		}
	}
	return false
}
