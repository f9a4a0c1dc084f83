package service

import (
	"context"

	"github.com/garyjia/clinic-workflow/internal/domain/entity"
)

type actorKey struct{}

// WithActor attaches the acting user to ctx for the audit trail
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the acting user carried by ctx, or entity.SystemActor
func ActorFrom(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id
	}
	return entity.SystemActor
}
