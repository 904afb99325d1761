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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Hash returns the content hash used for deduplication.  It covers the
// envelope header fields and the body with line endings normalized, so
// that the same message delivered twice (or re-delivered under a new
// UID) hashes the same regardless of trace headers a server adds and of
// CRLF vs LF storage.  Flags and the UID are not part of the hash.
func Hash(m *Message) string {
	h := sha256.New()
	env := m.Envelope
	field := func(name, value string) {
		h.Write([]byte(name))
		h.Write([]byte{':'})
		h.Write([]byte(value))
		h.Write([]byte{'\n'})
	}
	field("message-id", env.MessageID)
	field("from", env.From)
	field("to", strings.Join(env.To, ", "))
	field("subject", env.Subject)
	if !env.Date.IsZero() {
		field("date", strconv.FormatInt(env.Date.Unix(), 10))
	} else {
		field("date", "")
	}
	h.Write([]byte{'\n'})
	h.Write(bytes.ReplaceAll(m.Body, []byte("\r\n"), []byte("\n")))
	return hex.EncodeToString(h.Sum(nil))
}
