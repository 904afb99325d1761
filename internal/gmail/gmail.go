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

// Package gmail submits messages through the Gmail REST API, for
// oauth2 backends configured with send_api = "gmail".
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	SendScope = gmail_api.GmailSendScope

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerMessagesSend = 100
	quotaUnitsPerGetProfile   = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

// Service provides access to the Gmail account of one backend.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *zap.Logger
}

// Profile is the part of the Gmail profile the program uses.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
}

// New returns a Service using client, which must authorize its
// requests (see gmailhttp).  Options are passed through to the API
// client; tests use them to point it at a fake server.
func New(ctx context.Context, client *http.Client, log *zap.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Gmail client")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l, log: log}, nil
}

// Send submits an RFC 5322 message and returns the Gmail message id.
// Gmail takes the recipients from the message header.
func (s *Service) Send(ctx context.Context, raw []byte) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesSend); err != nil {
		return "", err
	}
	msg := &gmail_api.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	sent, err := gmail_api.NewUsersMessagesService(s.service).Send("me", msg).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "unable to send message with Gmail")
	}
	s.log.Debug("sent message with Gmail", zap.String("id", sent.Id), zap.String("thread", sent.ThreadId))
	return sent.Id, nil
}

func (s *Service) GetProfile(ctx context.Context) (*Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	u, err := gmail_api.NewUsersService(s.service).GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get Gmail profile")
	}
	return &Profile{
		EmailAddress:  u.EmailAddress,
		MessagesTotal: u.MessagesTotal,
	}, nil
}
