// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package requestctx carries the caller identity and request metadata that
// audit events record, so that core components never reach for globals.
package requestctx

import (
	"context"

	"github.com/bcem/ticketing/internal/models"
)

type actorKey struct{}
type infoKey struct{}
type correlationKey struct{}
type causationKey struct{}

// Info is the request metadata captured for audit events.
type Info struct {
	IP        string
	UserAgent string
}

// WithActor stores the acting user in ctx.
func WithActor(ctx context.Context, userID models.UserID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the acting user, or nil for system activity.
func ActorFromContext(ctx context.Context) *models.UserID {
	if ctx == nil {
		return nil
	}
	if id, ok := ctx.Value(actorKey{}).(models.UserID); ok {
		return &id
	}
	return nil
}

// WithInfo stores request metadata in ctx.
func WithInfo(ctx context.Context, info Info) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the request metadata stored in ctx, if any.
func InfoFromContext(ctx context.Context) Info {
	if ctx == nil {
		return Info{}
	}
	info, _ := ctx.Value(infoKey{}).(Info)
	return info
}

// WithCorrelationID tags every event recorded under ctx with id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation id stored in ctx, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithCausationID marks events recorded under ctx as caused by event id.
func WithCausationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, causationKey{}, id)
}

// CausationIDFromContext returns the causing event id stored in ctx, or "".
func CausationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(causationKey{}).(string)
	return id
}

// Identity reads the acting user and request metadata from a context.
type Identity interface {
	Actor(ctx context.Context) *models.UserID
	Request(ctx context.Context) Info
}

// ContextIdentity is the Identity backed by the values stored in this package.
type ContextIdentity struct{}

// Actor implements Identity.
func (ContextIdentity) Actor(ctx context.Context) *models.UserID { return ActorFromContext(ctx) }

// Request implements Identity.
func (ContextIdentity) Request(ctx context.Context) Info { return InfoFromContext(ctx) }
