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
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

var errNoRefresh = errors.New("credentials cannot be refreshed")

// authenticator is what distinguishes the two backend types.
type authenticator interface {
	Type() Type

	// username returns the account name.
	username() string

	// imapLogin reports whether the IMAP LOGIN command is used, in
	// which case password returns its argument.  Otherwise the
	// connection authenticates with saslClient.
	imapLogin() bool
	password() string

	// saslClient returns a SASL client for the server at addr.
	saslClient(ctx context.Context, addr string) (sasl.Client, error)

	// refresh obtains new credentials after the server rejected
	// the current ones.  It returns errNoRefresh if there is nothing
	// to refresh.
	refresh(ctx context.Context) error
}

type passwordAuth struct {
	user, pass string
}

func (a *passwordAuth) Type() Type       { return Password }
func (a *passwordAuth) username() string { return a.user }
func (a *passwordAuth) imapLogin() bool  { return true }
func (a *passwordAuth) password() string { return a.pass }

func (a *passwordAuth) saslClient(ctx context.Context, addr string) (sasl.Client, error) {
	return sasl.NewPlainClient("", a.user, a.pass), nil
}

func (a *passwordAuth) refresh(ctx context.Context) error {
	return errNoRefresh
}

// Refresher is an oauth2.TokenSource that can be told to discard its
// token.  credential.TokenSource implements it.
type Refresher interface {
	oauth2.TokenSource
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

type oauth2Auth struct {
	user string
	src  Refresher
}

func (a *oauth2Auth) Type() Type       { return OAuth2 }
func (a *oauth2Auth) username() string { return a.user }
func (a *oauth2Auth) imapLogin() bool  { return false }
func (a *oauth2Auth) password() string { return "" }

func (a *oauth2Auth) saslClient(ctx context.Context, addr string) (sasl.Client, error) {
	tok, err := a.src.Token()
	if err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server address %q", addr)
	}
	port, _ := strconv.Atoi(portStr)
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: a.user,
		Token:    tok.AccessToken,
		Host:     host,
		Port:     port,
	}), nil
}

func (a *oauth2Auth) refresh(ctx context.Context) error {
	_, err := a.src.Refresh(ctx)
	return err
}
