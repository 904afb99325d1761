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

// The gotmail command keeps a local maildir store synchronized with
// remote mail accounts and sends mail through them, running WebAssembly
// plugins on the way in and out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/gotmail/internal/config"
	"github.com/matta/gotmail/internal/message"
	"github.com/matta/gotmail/internal/sync"
	"github.com/matta/gotmail/internal/tracehttp"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace   = flag.Bool("T", false, "request debug tracing")
	flagVerbose = flag.Bool("v", false, "log at debug level")
	flagConfig  = flag.String("config", "", "configuration file (default "+config.DefaultPath()+")")
)

const usage = `usage: gotmail [flags] <command> [args]

commands:
  sync                          synchronize every configured mailbox
  flags <backend> <mailbox>     refresh the flags of recent messages
  send [-backend b] -to a,b -subject s -body text
                                send a message
  resend <backend> <draft key>  retry a message kept as a draft
  plugins                       list loaded plugins
  scrub                         remove crash debris from the store
  login <backend>               store credentials in the keyring

flags:
`

type command func(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error

var commands = map[string]command{
	"sync":    cmdSync,
	"flags":   cmdFlags,
	"send":    cmdSend,
	"resend":  cmdResend,
	"plugins": cmdPlugins,
	"scrub":   cmdScrub,
	"login":   cmdLogin,
}

func newLogger() (*zap.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Development = false
	logConfig.DisableStacktrace = true
	if !*flagVerbose {
		logConfig.Level.SetLevel(zap.InfoLevel)
	}
	return logConfig.Build()
}

func loadConfig() (*config.Config, error) {
	path, explicit := *flagConfig, true
	if path == "" {
		path, explicit = config.DefaultPath(), false
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %s", path)
	}
	return cfg, nil
}

// withApp opens everything a command needs, runs fn and closes it
// again.
func withApp(ctx context.Context, cfg *config.Config, log *zap.Logger, fn func(*app) error) (err error) {
	a, err := openApp(ctx, cfg, log, *flagTrace)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func cmdSync(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	return withApp(ctx, cfg, log, func(a *app) error {
		reports, err := a.engine.SyncAll(ctx)
		for _, r := range reports {
			fmt.Println(r)
			for _, f := range r.Failures {
				fmt.Printf("  %v\n", f)
			}
		}
		if err != nil {
			return errors.Wrap(err, "unable to synchronize")
		}
		return nil
	})
}

func cmdFlags(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: gotmail flags <backend> <mailbox>")
	}
	return withApp(ctx, cfg, log, func(a *app) error {
		r, err := a.engine.SyncFlags(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s/%s: %d updated, %d expunged, %d unknown\n", args[0], args[1], r.Updated, r.Expunged, r.Unknown)
		return nil
	})
}

func cmdSend(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	backendName := fs.String("backend", "", "backend to send through (default: the only one)")
	from := fs.String("from", "", "sender address (default: the backend username)")
	to := fs.String("to", "", "comma separated recipients")
	subject := fs.String("subject", "", "subject")
	body := fs.String("body", "", "message body")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := *backendName
	if name == "" {
		names := cfg.BackendNames()
		if len(names) != 1 {
			return errors.Errorf("-backend is required with %d backends configured", len(names))
		}
		name = names[0]
	}
	bc, ok := cfg.Backends[name]
	if !ok {
		return errors.Wrapf(sync.ErrUnknownBackend, "%q", name)
	}
	d := &message.Composition{
		From:    *from,
		Subject: *subject,
		Body:    *body,
	}
	if d.From == "" {
		d.From = bc.Username
	}
	for _, addr := range strings.Split(*to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			d.To = append(d.To, addr)
		}
	}

	return withApp(ctx, cfg, log, func(a *app) error {
		res, err := a.engine.Send(ctx, name, d)
		var serr *sync.SendError
		if errors.As(err, &serr) && serr.Draft != nil {
			fmt.Printf("not sent, kept as draft %s\n", serr.Draft.Key)
		}
		if err != nil {
			return err
		}
		printSent(res)
		return nil
	})
}

func cmdResend(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: gotmail resend <backend> <draft key>")
	}
	return withApp(ctx, cfg, log, func(a *app) error {
		res, err := a.engine.ResendDraft(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		printSent(res)
		return nil
	})
}

func printSent(res *sync.SendResult) {
	fmt.Printf("sent %s", res.Sent.Envelope.MessageID)
	if res.Receipt.ID != "" {
		fmt.Printf(" (%s)", res.Receipt.ID)
	}
	fmt.Printf(", copy kept as %s/%s/%s\n", res.Sent.Backend, res.Sent.Mailbox, res.Sent.Key)
	for _, f := range res.Failures {
		fmt.Printf("  %v\n", f)
	}
}

func cmdPlugins(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	return withApp(ctx, cfg, log, func(a *app) error {
		for _, inst := range a.instances {
			m := inst.Manifest()
			fmt.Printf("%s\t%s\thooks=%v backends=%v\n", m.Name, inst.Artifact(), m.Hooks, m.Backends)
			if m.Description != "" {
				fmt.Printf("\t%s\n", m.Description)
			}
		}
		for _, w := range a.warnings {
			fmt.Printf("not loaded: %v\n", w)
		}
		return nil
	})
}

func cmdScrub(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string) error {
	return withApp(ctx, cfg, log, func(a *app) error {
		r, err := a.store.Scrub(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d orphaned files removed\n", r.Orphans)
		for _, c := range r.Corrupt {
			fmt.Printf("corrupt: %v\n", c)
		}
		return nil
	})
}

func run(ctx context.Context, log *zap.Logger) error {
	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("no command given")
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		flag.Usage()
		return errors.Errorf("unknown command %q", flag.Arg(0))
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return cmd(ctx, cfg, log, flag.Args()[1:])
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	log, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()
	if *flagTrace {
		tracehttp.WrapDefaultTransport(log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
