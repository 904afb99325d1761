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

// Package config loads the gotmail configuration file.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/matta/gotmail/internal/homedir"
)

// Scope requested for Gmail backends configured from a Google
// credentials file.
const gmailScope = "https://mail.google.com/"

type Server struct {
	Addr string `mapstructure:"addr"`
	TLS  bool   `mapstructure:"tls"`
}

type OAuth2 struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`

	// A Google "installed application" credentials file.  If set it
	// takes the place of the fields above.
	CredentialsFile string `mapstructure:"credentials_file"`
}

type Backend struct {
	Type     string `mapstructure:"type"`
	Username string `mapstructure:"username"`

	// Password backends only.  If empty the password is looked up
	// in the keyring.
	Password string `mapstructure:"password"`

	// Mailboxes to synchronize.  Empty means every selectable
	// mailbox on the server.
	Mailboxes []string `mapstructure:"mailboxes"`

	SentMailbox   string `mapstructure:"sent_mailbox"`
	DraftsMailbox string `mapstructure:"drafts_mailbox"`

	IMAP Server `mapstructure:"imap"`
	SMTP Server `mapstructure:"smtp"`

	// "smtp" or "gmail".
	SendAPI string `mapstructure:"send_api"`

	OAuth2 OAuth2 `mapstructure:"oauth2"`
}

type Retry struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type Sync struct {
	BatchSize      int   `mapstructure:"batch_size"`
	MaxPerCycle    int   `mapstructure:"max_per_cycle"`
	Concurrency    int   `mapstructure:"concurrency"`
	FlagWindow     int   `mapstructure:"flag_window"`
	ExpungeDeleted bool  `mapstructure:"expunge_deleted"`
	Retry          Retry `mapstructure:"retry"`
}

type Plugins struct {
	InvocationTimeout time.Duration `mapstructure:"invocation_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`

	// Compilation cache for plugin.cwasm artifacts.  Empty disables
	// the cache.
	CacheDir string `mapstructure:"cache_dir"`
}

type Config struct {
	StoreRoot      string             `mapstructure:"store_root"`
	PluginRoot     string             `mapstructure:"plugin_root"`
	KeyringDir     string             `mapstructure:"keyring_dir"`
	EnabledPlugins []string           `mapstructure:"enabled_plugins"`
	Sync           Sync               `mapstructure:"sync"`
	Plugins        Plugins            `mapstructure:"plugins"`
	Backends       map[string]Backend `mapstructure:"backends"`
}

// DefaultPath is the configuration file used when none is named.
func DefaultPath() string {
	return filepath.Join(homedir.ConfigDir(), "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_root", homedir.DataDir())
	v.SetDefault("plugin_root", filepath.Join(homedir.ConfigDir(), "plugins"))
	v.SetDefault("keyring_dir", filepath.Join(homedir.ConfigDir(), "keyring"))
	v.SetDefault("enabled_plugins", []string{})
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_per_cycle", 500)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.flag_window", 200)
	v.SetDefault("sync.expunge_deleted", false)
	v.SetDefault("sync.retry.max_retries", 4)
	v.SetDefault("sync.retry.initial_backoff", "250ms")
	v.SetDefault("sync.retry.max_backoff", "30s")
	v.SetDefault("plugins.invocation_timeout", "5s")
	v.SetDefault("plugins.call_timeout", "10s")
	v.SetDefault("plugins.cache_dir", "")
}

// Load reads the TOML file at path.  Settings can be overridden from
// the environment, e.g. GOTMAIL_SYNC_BATCH_SIZE=10.  A missing file is
// only an error if explicit is set; otherwise the defaults are used.
func Load(path string, explicit bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("GOTMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "unable to read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config %s", path)
	}
	cfg.StoreRoot = homedir.Expand(cfg.StoreRoot)
	cfg.PluginRoot = homedir.Expand(cfg.PluginRoot)
	cfg.KeyringDir = homedir.Expand(cfg.KeyringDir)
	cfg.Plugins.CacheDir = homedir.Expand(cfg.Plugins.CacheDir)
	for name, b := range cfg.Backends {
		if b.SendAPI == "" {
			b.SendAPI = "smtp"
		}
		if b.SentMailbox == "" {
			b.SentMailbox = "Sent"
		}
		if b.DraftsMailbox == "" {
			b.DraftsMailbox = "Drafts"
		}
		b.OAuth2.CredentialsFile = homedir.Expand(b.OAuth2.CredentialsFile)
		cfg.Backends[name] = b
	}
	return &cfg, nil
}

// BackendNames returns the configured backend names, sorted.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var err error
	if c.StoreRoot == "" {
		err = multierr.Append(err, errors.New("store_root is empty"))
	}
	positive := []struct {
		name string
		v    int
	}{
		{"sync.batch_size", c.Sync.BatchSize},
		{"sync.max_per_cycle", c.Sync.MaxPerCycle},
		{"sync.concurrency", c.Sync.Concurrency},
		{"sync.flag_window", c.Sync.FlagWindow},
	}
	for _, p := range positive {
		if p.v <= 0 {
			err = multierr.Append(err, errors.Errorf("%s must be positive, got %d", p.name, p.v))
		}
	}
	if c.Sync.Retry.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("sync.retry.max_retries is negative"))
	}
	if c.Plugins.InvocationTimeout <= 0 || c.Plugins.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("plugin timeouts must be positive"))
	}
	seen := map[string]bool{}
	for _, p := range c.EnabledPlugins {
		if seen[p] {
			err = multierr.Append(err, errors.Errorf("plugin %q enabled twice", p))
		}
		seen[p] = true
	}
	if len(c.Backends) == 0 {
		err = multierr.Append(err, errors.New("no backends configured"))
	}
	for _, name := range c.BackendNames() {
		b := c.Backends[name]
		for _, berr := range multierr.Errors(b.validate()) {
			err = multierr.Append(err, errors.Wrapf(berr, "backend %q", name))
		}
	}
	return err
}

func (b *Backend) validate() error {
	var err error
	switch b.Type {
	case "password":
		if b.SendAPI == "gmail" {
			err = multierr.Append(err, errors.New(`send_api "gmail" needs type "oauth2"`))
		}
	case "oauth2":
		if b.OAuth2.CredentialsFile == "" && (b.OAuth2.ClientID == "" || b.OAuth2.TokenURL == "") {
			err = multierr.Append(err, errors.New("oauth2 needs client_id and token_url, or credentials_file"))
		}
	default:
		err = multierr.Append(err, errors.Errorf("unknown type %q", b.Type))
	}
	if b.Username == "" {
		err = multierr.Append(err, errors.New("username is empty"))
	}
	if b.IMAP.Addr == "" {
		err = multierr.Append(err, errors.New("imap.addr is empty"))
	}
	switch b.SendAPI {
	case "smtp":
		if b.SMTP.Addr == "" {
			err = multierr.Append(err, errors.New("smtp.addr is empty"))
		}
	case "gmail":
	default:
		err = multierr.Append(err, errors.Errorf("unknown send_api %q", b.SendAPI))
	}
	return err
}

// OAuth2Config returns the client configuration of an oauth2 backend.
func (b *Backend) OAuth2Config() (*oauth2.Config, error) {
	o := b.OAuth2
	if o.CredentialsFile != "" {
		data, err := os.ReadFile(o.CredentialsFile)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read client credentials")
		}
		scopes := o.Scopes
		if len(scopes) == 0 {
			scopes = []string{gmailScope}
		}
		conf, err := google.ConfigFromJSON(data, scopes...)
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse client credentials")
		}
		return conf, nil
	}
	return &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  o.AuthURL,
			TokenURL: o.TokenURL,
		},
		Scopes: o.Scopes,
	}, nil
}
