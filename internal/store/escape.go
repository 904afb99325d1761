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

package store

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	dirFileMode = 0700
)

// mailboxPath names the maildir of one (backend, mailbox) pair under
// root.  Both names are escaped, so a mailbox such as
// "[Gmail]/Sent Mail" maps to a single directory level.
func mailboxPath(root, backend, mailbox string) string {
	return filepath.Join(root, escape(backend), escape(mailbox))
}

// Return the specified string with characters that should not appear
// in a directory name escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// unescape is the inverse of escape.
func unescape(s string) (string, error) {
	t := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '=' {
			t = append(t, c)
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Errorf("truncated escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", errors.Errorf("invalid escape in %q", s)
		}
		t = append(t, hi<<4|lo)
		i += 2
	}
	return string(t), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Return true if the specified character should be escaped when
// appearing in a directory name.
//
// The encoding uses the equals sign to designate the next two
// characters as a hex encoded byte.
//
// Based on the following IEEE specification, with the revision that
// the all punctuation is removed, leaving only alphanumeric
// characters.  See:
//
// The Open Group Base Specifications Issue 7, 2018 edition, IEEE Std
// 1003.1-2017 (Revision of IEEE Std 1003.1-2008).
// 3.282 Portable Filename Character Set
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}

	// Everything else must be escaped.
	return true
}

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func isDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return errors.Errorf("path is not a directory: %#v", stat)
	}
	return nil
}
