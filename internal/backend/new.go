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

package backend

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Server struct {
	// host:port
	Addr string

	// Implicit TLS.  If false the connection uses STARTTLS.
	TLS bool
}

// Options describes one backend.
type Options struct {
	Name     string
	Type     Type
	Username string

	// Password backends only.
	Password string

	// OAuth2 backends only.
	Tokens Refresher

	IMAP Server
	SMTP Server

	// Submit through the Gmail REST API instead of SMTP.  OAuth2
	// backends only.
	Gmail gmailSender

	// If set, IMAP protocol traffic is written here.
	Trace io.Writer
}

// New returns the Backend described by opts.
func New(opts Options, log *zap.Logger) (Backend, error) {
	var auth authenticator
	switch opts.Type {
	case Password:
		auth = &passwordAuth{user: opts.Username, pass: opts.Password}
	case OAuth2:
		if opts.Tokens == nil {
			return nil, errors.Errorf("backend %q: oauth2 backend without a token source", opts.Name)
		}
		auth = &oauth2Auth{user: opts.Username, src: opts.Tokens}
	default:
		return nil, errors.Errorf("backend %q: unknown type %q", opts.Name, opts.Type)
	}

	var submit submitter = &smtpSubmitter{addr: opts.SMTP.Addr, useTLS: opts.SMTP.TLS}
	if opts.Gmail != nil {
		if opts.Type != OAuth2 {
			return nil, errors.Errorf("backend %q: Gmail submission needs an oauth2 backend", opts.Name)
		}
		submit = &gmailSubmitter{svc: opts.Gmail}
	}

	dial := imapDialer(opts.IMAP.Addr, opts.IMAP.TLS, opts.Trace)
	return newMailBackend(opts.Name, auth, dial, submit, log), nil
}
