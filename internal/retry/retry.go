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

// Package retry runs an operation again after a transient failure,
// with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Config struct {
	// Attempts after the first.  Zero means the operation runs
	// once.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Backoff growth per attempt.
	Multiplier float64

	// Fraction of the backoff randomized in either direction, in
	// [0, 1].
	Jitter float64

	// Reports whether an error is worth another attempt.  Defaults
	// to IsRetryable.
	Retryable func(error) bool

	// If set, each retry is logged.
	Log *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     4,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

var (
	// The operation failed with an error Retryable rejected.
	ErrNotRetryable = errors.New("error is not retryable")

	// Every attempt failed.
	ErrExhausted = errors.New("retries exhausted")

	// The context ended between attempts.
	ErrCanceled = errors.New("canceled while retrying")
)

// RetryError is returned when Do gives up.  Unwrap yields the error of
// the last attempt, so callers can classify it.
type RetryError struct {
	// The error of the last attempt.
	Last error

	Attempts int

	// One of ErrNotRetryable, ErrExhausted or ErrCanceled.
	Reason error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", e.Reason, e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error {
	return e.Last
}

func (e *RetryError) Is(target error) bool {
	return target == e.Reason
}

// Do calls fn until it succeeds, fails with an error that is not
// retryable, the retries run out, or ctx ends.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = withDefaults(cfg)

	var last error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &RetryError{Last: last, Attempts: attempt, Reason: ErrCanceled}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		if !cfg.Retryable(err) {
			return &RetryError{Last: err, Attempts: attempt + 1, Reason: ErrNotRetryable}
		}
		if attempt >= cfg.MaxRetries {
			return &RetryError{Last: err, Attempts: attempt + 1, Reason: ErrExhausted}
		}

		backoff := Backoff(cfg, attempt)
		if cfg.Log != nil {
			cfg.Log.Info("retrying after transient failure",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return &RetryError{Last: last, Attempts: attempt + 1, Reason: ErrCanceled}
		case <-t.C:
		}
	}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Backoff returns the delay after the given zero-based attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = withDefaults(cfg)
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}

func withDefaults(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	cfg.Jitter = math.Max(0, math.Min(1, cfg.Jitter))
	if cfg.Retryable == nil {
		cfg.Retryable = IsRetryable
	}
	return cfg
}

// IsRetryable reports whether err, or an error it wraps, has a
// Retryable method returning true.  Other errors are not retried.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
