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

/*
Package gmailhttp builds the HTTP client used to talk to the Gmail REST
API on behalf of an oauth2 backend.

The access token comes from an oauth2.TokenSource, normally a
credential.TokenSource backed by the refresh token in the keyring.

Note on expiry: golang.org/x/oauth2 refreshes a token only when its
recorded expiry has passed.  OAuth 2.0 clients should be designed to
gracefully handle expired token responses from the server at any time,
so the client's notion of expiry is at most an optimization.  The
backend layer handles a 401 from the server by forcing a refresh and
retrying once; this package only attaches whatever token is current.
*/
package gmailhttp

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi/transport"

	"github.com/matta/gotmail/internal/tracehttp"
)

type Options struct {
	// An API key sent with every request, for projects that
	// require one.  Optional.
	APIKey string

	// Log every request and response at debug level.
	Trace bool

	// The transport below the OAuth2 layer.  Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper
}

// New returns an HTTP client authorizing its requests with tokens
// from src.
func New(src oauth2.TokenSource, opts Options, log *zap.Logger) *http.Client {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.Trace {
		base = tracehttp.Wrap(base, log.Named("http"))
	}
	if opts.APIKey != "" {
		base = &transport.APIKey{Key: opts.APIKey, Transport: base}
	}

	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}

	return &http.Client{Transport: trans}
}
