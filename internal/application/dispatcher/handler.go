package dispatcher

import (
	"context"
	"time"

	"github.com/garyjia/clinic-workflow/internal/domain/event"
)

// Handler reacts to a committed workflow change. Handlers must be safe to
// call more than once for the same event id.
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo describes a subscription without exposing the callback.
type HandlerInfo struct {
	Name         string
	EventType    event.Type
	RegisteredAt time.Time
}

type subscription struct {
	info    HandlerInfo
	handler Handler
}

// Stats counts deliveries since the dispatcher was created.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Dropped   int64 `json:"dropped"`
}
