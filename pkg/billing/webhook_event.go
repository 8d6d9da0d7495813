package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// WebhookEvent contains information about a successfully processed webhook.
// It is passed to the WebhookCallback after the event has been recorded.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// Provider is the billing provider name ("stripe", "revenuecat")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.created", "invoice.paid", etc.
	// RevenueCat: "INITIAL_PURCHASE", "RENEWAL", "CANCELLATION", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Event is the normalized event handed to the recorder
	Event goaffiliate.LifecycleEvent

	// Metadata contains provider-specific additional data
	// Stripe: metadata of the event object
	// RevenueCat: product_id, store, environment from the webhook payload
	Metadata map[string]interface{}
}

// WebhookCallback is invoked after a webhook event has been recorded
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
