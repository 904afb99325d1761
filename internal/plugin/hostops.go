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
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/matta/gotmail/internal/message"
)

// HostVersion is reported to plugins by the host.info operation.
const HostVersion = "gotmail/0.1"

// LookupFunc finds a stored message by Message-ID.
type LookupFunc func(ctx context.Context, messageID string) (*message.Envelope, error)

// hostOp is an operation a guest can request with call_host.  Async
// operations run in the background and deliver their result through
// on_host_result; the others answer before call_host returns.
type hostOp struct {
	async bool
	run   func(ctx context.Context, inst *Instance, req []byte) ([]byte, error)
}

func hostOps(lookup LookupFunc) map[string]hostOp {
	return map[string]hostOp{
		"host.info": {
			run: func(ctx context.Context, inst *Instance, req []byte) ([]byte, error) {
				return json.Marshal(struct {
					Version string `json:"version"`
					ABI     int    `json:"abi"`
					Plugin  string `json:"plugin"`
				}{HostVersion, ABIVersion, inst.Name()})
			},
		},
		"store.lookup": {
			async: true,
			run: func(ctx context.Context, inst *Instance, req []byte) ([]byte, error) {
				var q struct {
					MessageID string `json:"message_id"`
				}
				if err := json.Unmarshal(req, &q); err != nil {
					return nil, errors.Wrap(err, "invalid store.lookup request")
				}
				if q.MessageID == "" {
					return nil, errors.New("store.lookup: message_id is empty")
				}
				if lookup == nil {
					return nil, errors.New("store.lookup: no store")
				}
				env, err := lookup(ctx, q.MessageID)
				if err != nil {
					return nil, err
				}
				return json.Marshal(envelopeToJSON(env))
			},
		},
	}
}
