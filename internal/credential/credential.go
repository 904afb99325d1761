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

// Package credential keeps backend secrets in the system keyring:
// passwords for password backends and the OAuth2 token (including the
// refresh token) for oauth2 backends.
package credential

import (
	"encoding/json"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const serviceName = "gotmail"

var ErrNotFound = errors.New("credential not found")

type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring.  fileDir is used by the encrypted
// file backend on systems without a native keyring.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("gotmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to open keyring")
	}
	return &Store{ring: ring}, nil
}

// New wraps an already open keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func passwordKey(backend string) string { return backend + "/password" }
func tokenKey(backend string) string    { return backend + "/oauth2-token" }

func (s *Store) get(key string) ([]byte, error) {
	item, err := s.ring.Get(key)
	if err == keyring.ErrKeyNotFound {
		return nil, errors.Wrapf(ErrNotFound, "%q", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read credential %q", key)
	}
	return item.Data, nil
}

func (s *Store) set(key string, data []byte, label string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  data,
		Label: label,
	})
	return errors.Wrapf(err, "unable to store credential %q", key)
}

func (s *Store) Password(backend string) (string, error) {
	b, err := s.get(passwordKey(backend))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) SetPassword(backend, password string) error {
	return s.set(passwordKey(backend), []byte(password), "gotmail password for "+backend)
}

// Token returns the stored OAuth2 token of a backend.
func (s *Store) Token(backend string) (*oauth2.Token, error) {
	b, err := s.get(tokenKey(backend))
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, errors.Wrapf(err, "unable to decode stored token of %q", backend)
	}
	return tok, nil
}

func (s *Store) SaveToken(backend string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "unable to encode token")
	}
	return s.set(tokenKey(backend), b, "gotmail OAuth2 token for "+backend)
}
