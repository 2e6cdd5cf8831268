// Package context carries correlation identifiers through engine calls.
package context

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	ownerIDKey
	actorKey
	batchIDKey
)

type actor struct {
	kind string
	id   string
}

// NewCorrelationID returns a lexically sortable identifier for a run or batch.
func NewCorrelationID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithOwnerID tags the context with the rule owner being processed.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, strings.TrimSpace(ownerID))
}

func OwnerIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ownerIDKey).(string)
	return v
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actor{kind: strings.TrimSpace(actorType), id: strings.TrimSpace(actorID)})
}

func ActorFromContext(ctx context.Context) (string, string) {
	v, _ := ctx.Value(actorKey).(actor)
	return v.kind, v.id
}

func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey, strings.TrimSpace(batchID))
}

func BatchIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(batchIDKey).(string)
	return v
}
