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

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/config"
	"github.com/matta/gotmail/internal/credential"
	"github.com/matta/gotmail/internal/gmail"
	"github.com/matta/gotmail/internal/gmailhttp"
)

// cmdLogin stores the credentials of a backend in the keyring: the
// password of a password backend, or the token of an oauth2 backend
// obtained through the console authorization flow.
func cmdLogin(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: gotmail login <backend>")
	}
	name := args[0]
	bc, ok := cfg.Backends[name]
	if !ok {
		return errors.Errorf("no backend %q configured", name)
	}
	creds, err := credential.Open(cfg.KeyringDir)
	if err != nil {
		return errors.Wrap(err, "unable to open the keyring")
	}
	in := bufio.NewReader(os.Stdin)

	switch backend.Type(bc.Type) {
	case backend.Password:
		fmt.Printf("Password for %s: ", bc.Username)
		pass, err := readLine(in)
		if err != nil {
			return err
		}
		return creds.SetPassword(name, pass)

	case backend.OAuth2:
		conf, err := bc.OAuth2Config()
		if err != nil {
			return err
		}
		state := uuid.NewString()
		url := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		log.Info("requesting authorization", zap.String("backend", name))
		fmt.Printf("Visit this URL, authorize gotmail and paste the code here:\n\n%s\n\nCode: ", url)
		code, err := readLine(in)
		if err != nil {
			return err
		}
		tok, err := conf.Exchange(ctx, code)
		if err != nil {
			return errors.Wrap(err, "unable to exchange the authorization code")
		}
		if tok.RefreshToken == "" {
			return errors.New("the server returned no refresh token")
		}
		if err := creds.SaveToken(name, tok); err != nil {
			return err
		}
		if bc.SendAPI == "gmail" {
			return checkGmail(ctx, name, conf, creds, log)
		}
		return nil
	}
	return errors.Errorf("backend %q has unknown type %q", name, bc.Type)
}

// checkGmail confirms the stored token works against the Gmail API.
func checkGmail(ctx context.Context, name string, conf *oauth2.Config, creds *credential.Store, log *zap.Logger) error {
	src, err := credential.NewTokenSource(name, conf, creds, log)
	if err != nil {
		return err
	}
	svc, err := gmail.New(ctx, gmailhttp.New(src, gmailhttp.Options{}, log), log)
	if err != nil {
		return err
	}
	p, err := svc.GetProfile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Authorized as %s (%d messages)\n", p.EmailAddress, p.MessagesTotal)
	return nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" && err != nil {
		return "", errors.Wrap(err, "unable to read input")
	}
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
