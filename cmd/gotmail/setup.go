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
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/backend"
	"github.com/matta/gotmail/internal/config"
	"github.com/matta/gotmail/internal/credential"
	"github.com/matta/gotmail/internal/gmail"
	"github.com/matta/gotmail/internal/gmailhttp"
	"github.com/matta/gotmail/internal/hook"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/plugin"
	"github.com/matta/gotmail/internal/retry"
	"github.com/matta/gotmail/internal/store"
	"github.com/matta/gotmail/internal/sync"
	"github.com/matta/gotmail/internal/tracehttp"
)

// app holds everything a command needs.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
	creds *credential.Store

	runtime   *plugin.Runtime
	instances []*plugin.Instance
	warnings  []plugin.LoadWarning

	engine *sync.Engine
}

func openApp(ctx context.Context, cfg *config.Config, log *zap.Logger, trace bool) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			multierr.AppendInto(&err, a.Close(ctx))
		}
	}()

	a.store, err = store.Open(ctx, cfg.StoreRoot, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open the local store")
	}
	a.creds, err = credential.Open(cfg.KeyringDir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open the keyring")
	}

	a.runtime, a.instances, a.warnings = plugin.Load(ctx, cfg.PluginRoot, cfg.EnabledPlugins, plugin.Options{
		InvocationTimeout: cfg.Plugins.InvocationTimeout,
		CallTimeout:       cfg.Plugins.CallTimeout,
		CacheDir:          cfg.Plugins.CacheDir,
		Lookup:            a.lookup,
		Log:               log,
	})
	for _, w := range a.warnings {
		log.Warn("plugin not loaded", zap.String("dir", w.Dir), zap.Error(w.Err))
	}
	pipeline, err := hook.New(hook.FromInstances(a.instances), cfg.EnabledPlugins, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build the hook pipeline")
	}

	var accounts []*sync.Account
	for _, name := range cfg.BackendNames() {
		bc := cfg.Backends[name]
		b, err := newBackend(ctx, name, bc, a.creds, log, trace)
		if err != nil {
			for _, acct := range accounts {
				acct.Backend.Close()
			}
			return nil, err
		}
		accounts = append(accounts, &sync.Account{
			Backend:       b,
			Mailboxes:     bc.Mailboxes,
			SentMailbox:   bc.SentMailbox,
			DraftsMailbox: bc.DraftsMailbox,
		})
	}

	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.Sync.Retry.MaxRetries
	rc.InitialBackoff = cfg.Sync.Retry.InitialBackoff
	rc.MaxBackoff = cfg.Sync.Retry.MaxBackoff
	a.engine, err = sync.New(a.store, pipeline, accounts, sync.Options{
		BatchSize:      cfg.Sync.BatchSize,
		MaxPerCycle:    cfg.Sync.MaxPerCycle,
		Concurrency:    cfg.Sync.Concurrency,
		FlagWindow:     cfg.Sync.FlagWindow,
		ExpungeDeleted: cfg.Sync.ExpungeDeleted,
		Retry:          rc,
	}, log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// lookup serves the store.lookup host operation.
func (a *app) lookup(ctx context.Context, messageID string) (*message.Envelope, error) {
	e, err := a.store.LookupMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &e.Envelope, nil
}

func (a *app) Close(ctx context.Context) error {
	var err error
	if a.engine != nil {
		err = multierr.Append(err, a.engine.Close())
	}
	if a.runtime != nil {
		err = multierr.Append(err, a.runtime.Close(ctx))
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

func newBackend(ctx context.Context, name string, bc config.Backend, creds *credential.Store, log *zap.Logger, trace bool) (backend.Backend, error) {
	opts := backend.Options{
		Name:     name,
		Type:     backend.Type(bc.Type),
		Username: bc.Username,
		IMAP:     backend.Server{Addr: bc.IMAP.Addr, TLS: bc.IMAP.TLS},
		SMTP:     backend.Server{Addr: bc.SMTP.Addr, TLS: bc.SMTP.TLS},
	}
	if trace {
		opts.Trace = tracehttp.Writer(log.With(zap.String("backend", name)), "imap")
	}

	switch opts.Type {
	case backend.Password:
		opts.Password = bc.Password
		if opts.Password == "" {
			p, err := creds.Password(name)
			if err != nil {
				return nil, errors.Wrapf(err, "no password for backend %q; run \"gotmail login %s\"", name, name)
			}
			opts.Password = p
		}
	case backend.OAuth2:
		conf, err := bc.OAuth2Config()
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q", name)
		}
		src, err := credential.NewTokenSource(name, conf, creds, log)
		if err != nil {
			return nil, errors.Wrapf(err, "no token for backend %q; run \"gotmail login %s\"", name, name)
		}
		opts.Tokens = src
		if bc.SendAPI == "gmail" {
			client := gmailhttp.New(src, gmailhttp.Options{}, log)
			svc, err := gmail.New(ctx, client, log)
			if err != nil {
				return nil, errors.Wrapf(err, "unable to initialize Gmail for backend %q", name)
			}
			opts.Gmail = svc
		}
	}
	return backend.New(opts, log)
}
