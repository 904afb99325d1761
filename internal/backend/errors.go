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
	"context"
	"io"
	"net"
	"net/http"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Kind classifies backend failures by what the caller should do about
// them.
type Kind int

const (
	// The server rejected the credentials.  An oauth2 backend has
	// already tried a refresh when it reports this.
	AuthExpired Kind = iota + 1

	// Worth retrying later: network trouble, throttling, server
	// unavailable.
	Transient

	// Retrying will not help.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case AuthExpired:
		return "auth expired"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Error is the error type of every Backend operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable marks Transient errors for the retry package.
func (e *Error) Retryable() bool { return e.Kind == Transient }

// KindOf returns the Kind of a backend error, or zero if err is not
// (and does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsTransient(err error) bool { return KindOf(err) == Transient }

// classify wraps err in an *Error for operation op.  An err that
// already is one is returned unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) Kind {
	var ie *imap.Error
	if errors.As(err, &ie) {
		return imapKind(ie)
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return smtpKind(se)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return httpKind(ge.Code)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		// The refresh token itself was refused.
		return AuthExpired
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Permanent
}

func imapKind(e *imap.Error) Kind {
	switch e.Code {
	case imap.ResponseCodeAuthenticationFailed,
		imap.ResponseCodeAuthorizationFailed,
		imap.ResponseCodeExpired:
		return AuthExpired
	case imap.ResponseCodeUnavailable,
		imap.ResponseCodeInUse,
		imap.ResponseCodeLimit:
		return Transient
	}
	if e.Type == imap.StatusResponseTypeBye {
		return Transient
	}
	return Permanent
}

func smtpKind(e *smtp.SMTPError) Kind {
	switch {
	case e.Code == 530 || e.Code == 534 || e.Code == 535:
		return AuthExpired
	case e.Code >= 400 && e.Code < 500:
		return Transient
	}
	return Permanent
}

func httpKind(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return AuthExpired
	case code == http.StatusTooManyRequests, code >= 500:
		return Transient
	}
	return Permanent
}
