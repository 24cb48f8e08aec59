// Package delivery defines the boundary to the prompt delivery
// collaborator (the thing that actually shows notifications to the
// participant) and provides a console fallback driver.
package delivery

import (
	"context"
	"time"
)

// Interaction kinds reported by delivery adapters.
const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

// Prompt is the payload handed to a delivery adapter.
type Prompt struct {
	ID        string
	Title     string
	Body      string
	URL       string
	TriggerAt time.Time
}

// Delivery is the external delivery collaborator.
//
// Create registers a prompt for delivery at its trigger time. Cancel
// removes identifiers from both the pending and delivered sets. Delivered
// lists identifiers that were shown and not yet removed.
type Delivery interface {
	Create(ctx context.Context, p Prompt) error
	Cancel(ids ...string)
	Delivered() []string
}

// Sink receives delivery and interaction callbacks from an adapter.
// Callbacks may arrive at any time; the receiver serializes them.
type Sink interface {
	OnDelivered(id string)
	OnInteracted(id, action string)
}
