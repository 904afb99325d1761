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

// Package tracehttp logs HTTP requests and responses, and doubles as
// the protocol trace sink for the IMAP client.
package tracehttp

import (
	"bytes"
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"
)

// traceTransport is an http.RoundTripper that logs the request and
// response of each round trip while delegating the real work to
// another http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      *zap.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequest(req, true)
	if dumpErr == nil {
		t.log.Debug("http request", zap.ByteString("dump", dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			t.log.Debug("http response", zap.ByteString("dump", dump))
		}
	} else {
		t.log.Debug("http error", zap.Error(err))
	}
	return resp, err
}

// Wrap returns a traceTransport around d, or around
// http.DefaultTransport if d is nil.
func Wrap(d http.RoundTripper, log *zap.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}

// Inject a traceTransport into http.DefaultTransport
func WrapDefaultTransport(log *zap.Logger) {
	http.DefaultTransport = Wrap(http.DefaultTransport, log)
}

// Writer returns an io.Writer that logs each line written to it.
// Lines are split on "\n"; a trailing partial line is held until the
// next write.
func Writer(log *zap.Logger, msg string) *LineWriter {
	return &LineWriter{log: log, msg: msg}
}

// LineWriter is the io.Writer returned by Writer.
type LineWriter struct {
	log *zap.Logger
	msg string
	buf []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		w.log.Debug(w.msg, zap.ByteString("line", line))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
