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

package message

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Flags is the set of per-message flags tracked by the store.
type Flags uint8

const (
	Seen Flags = 1 << iota
	Flagged
	Deleted
	Draft

	allFlags = Seen | Flagged | Deleted | Draft
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Seen, "seen"},
	{Flagged, "flagged"},
	{Deleted, "deleted"},
	{Draft, "draft"},
}

// Has reports whether every flag in f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// With returns f with f2 added.
func (f Flags) With(f2 Flags) Flags {
	return f | f2
}

// Without returns f with f2 removed.
func (f Flags) Without(f2 Flags) Flags {
	return f &^ f2
}

// Names returns the flag names in a stable order.
func (f Flags) Names() []string {
	names := []string{}
	for _, n := range flagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return strings.Join(f.Names(), ",")
}

// ParseFlags is the inverse of Flags.String.  It also accepts the
// names in any order and surrounded by white space.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	for _, part := range strings.Split(s, ",") {
		g, err := parseFlag(strings.TrimSpace(part))
		if err != nil {
			return 0, err
		}
		f |= g
	}
	return f, nil
}

func parseFlag(name string) (Flags, error) {
	for _, n := range flagNames {
		if n.name == strings.ToLower(name) {
			return n.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown flag %q", name)
}

func (f Flags) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Names())
}

func (f *Flags) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	var parsed Flags
	for _, name := range names {
		g, err := parseFlag(name)
		if err != nil {
			return err
		}
		parsed |= g
	}
	*f = parsed
	return nil
}

// Maildir flag letters, as in the "info" part of a maildir file name.
var maildirLetters = map[Flags]rune{
	Draft:   'D',
	Flagged: 'F',
	Seen:    'S',
	Deleted: 'T',
}

// MaildirLetters returns the maildir info letters for f, sorted as the
// maildir specification requires.
func (f Flags) MaildirLetters() []rune {
	var letters []rune
	for flag, r := range maildirLetters {
		if f.Has(flag) {
			letters = append(letters, r)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return letters
}

// FlagsFromMaildir converts maildir info letters to Flags.  Letters
// without a counterpart (e.g. 'P' passed, 'R' replied) are ignored.
func FlagsFromMaildir(letters []rune) Flags {
	var f Flags
	for _, r := range letters {
		for flag, l := range maildirLetters {
			if l == r {
				f |= flag
			}
		}
	}
	return f & allFlags
}
