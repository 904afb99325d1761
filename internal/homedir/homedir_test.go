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

package homedir

import "testing"

func TestExpand(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	cases := []struct {
		in, want string
	}{
		{"~", "/home/tester"},
		{"~/mail", "/home/tester/mail"},
		{"/var/mail", "/var/mail"},
		{"~other/mail", "~other/mail"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Expand(tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDirs(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	if got, want := DataDir(), "/home/tester/.local/share/gotmail"; got != want {
		t.Errorf("DataDir() = %q, want %q", got, want)
	}
	if got, want := ConfigDir(), "/xdg/config/gotmail"; got != want {
		t.Errorf("ConfigDir() = %q, want %q", got, want)
	}
}
