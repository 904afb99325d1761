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

package credential

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// TokenSource hands out the access token of one oauth2 backend.  It
// refreshes the token when it expires, or on demand when a server
// rejected it before its expiry, and writes every new token back to
// the keyring.
//
// The server is the only authority on whether a token is still good;
// the expiry recorded in the token is only a hint that saves a round
// trip.  Callers therefore call Refresh when the server says so.
type TokenSource struct {
	backend string
	conf    *oauth2.Config
	store   *Store
	log     *zap.Logger

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewTokenSource loads the backend's token from the keyring.  The
// token must carry a refresh token, placed there by the authorization
// flow.
func NewTokenSource(backend string, conf *oauth2.Config, store *Store, log *zap.Logger) (*TokenSource, error) {
	tok, err := store.Token(backend)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, errors.Errorf("stored token of %q has no refresh token", backend)
	}
	return &TokenSource{backend: backend, conf: conf, store: store, log: log, tok: tok}, nil
}

// Token implements oauth2.TokenSource.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok.Valid() {
		return s.tok, nil
	}
	return s.refreshLocked(context.Background())
}

// Refresh discards the current access token and obtains a new one.
func (s *TokenSource) Refresh(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *TokenSource) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	expired := &oauth2.Token{RefreshToken: s.tok.RefreshToken}
	tok, err := s.conf.TokenSource(ctx, expired).Token()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to refresh token of %q", s.backend)
	}
	s.tok = tok
	s.log.Debug("refreshed access token",
		zap.String("backend", s.backend), zap.Time("expiry", tok.Expiry))
	if err := s.store.SaveToken(s.backend, tok); err != nil {
		// The new token is good for this process even if it
		// could not be saved.
		s.log.Warn("unable to save refreshed token", zap.String("backend", s.backend), zap.Error(err))
	}
	return tok, nil
}
