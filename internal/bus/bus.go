// Package bus provides the typed in-memory event bus connecting the engine
// stream to the router's services.
package bus

import (
	"context"

	"github.com/conduitnetwork/conduit/internal/schema"
)

// SubscriptionID identifies a single subscription.
type SubscriptionID string

// Filter is evaluated synchronously before delivery; events it rejects are
// never enqueued for the subscriber.
type Filter func(schema.Event) bool

// Bus is the publish/subscribe contract used across the router.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, kind schema.EventKind, owner string, filter Filter) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	UnsubscribeAll(owner string)
	WaitFor(ctx context.Context, kind schema.EventKind, filter Filter) (schema.Event, error)
	Close()
}
