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
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/message"
)

// ABIVersion is the version of the host/guest interface implemented
// here.  A guest exporting abi_version must return it.
const ABIVersion = 1

// Hook function and on_host_result return values.
const (
	statusUnchanged int32 = 0
	statusChanged   int32 = 1
	statusPending   int32 = 2
	statusError     int32 = -1
)

// call_host return values other than an invocation id.
const (
	callImmediate int64 = 0
	callError     int64 = -1
)

// Guest log levels accepted by the log host function.
const (
	levelDebug = 0
	levelInfo  = 1
	levelWarn  = 2
	levelError = 3
)

type envelopeJSON struct {
	From      string     `json:"from"`
	To        []string   `json:"to"`
	Subject   string     `json:"subject"`
	Date      *time.Time `json:"date,omitempty"`
	MessageID string     `json:"message_id"`
	UID       uint32     `json:"uid,omitempty"`
}

func envelopeToJSON(e *message.Envelope) envelopeJSON {
	j := envelopeJSON{
		From:      e.From,
		To:        e.To,
		Subject:   e.Subject,
		MessageID: e.MessageID,
		UID:       uint32(e.UID),
	}
	if j.To == nil {
		j.To = []string{}
	}
	if !e.Date.IsZero() {
		d := e.Date
		j.Date = &d
	}
	return j
}

// hookInput is what a hook function receives.
type hookInput struct {
	Hook     Point         `json:"hook"`
	Backend  backend.Type  `json:"backend"`
	Envelope envelopeJSON  `json:"envelope"`
	Flags    message.Flags `json:"flags"`
	Body     string        `json:"body"`
}

// hookOutput is what a hook sets with set_output when it reports a
// change.  Absent fields are left alone.  The envelope cannot be
// changed.
type hookOutput struct {
	Body  *string        `json:"body"`
	Flags *message.Flags `json:"flags"`
}

func encodeInput(p Point, t backend.Type, m *message.Message) ([]byte, error) {
	return json.Marshal(hookInput{
		Hook:     p,
		Backend:  t,
		Envelope: envelopeToJSON(&m.Envelope),
		Flags:    m.Flags,
		Body:     string(m.Body),
	})
}

// applyOutput returns a copy of m with the hook's changes.
func applyOutput(m *message.Message, out []byte) (*message.Message, error) {
	var o hookOutput
	if err := json.Unmarshal(out, &o); err != nil {
		return nil, errors.Wrap(err, "invalid hook output")
	}
	c := m.Clone()
	if o.Body != nil {
		c.Body = []byte(*o.Body)
	}
	if o.Flags != nil {
		c.Flags = *o.Flags
	}
	return c, nil
}
