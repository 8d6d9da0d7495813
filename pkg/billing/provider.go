package billing

import (
	"context"
	"net/http"
	"strings"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// Provider is the generic interface that any billing backend must implement.
// Each provider turns its webhooks into goaffiliate events.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and recording internally.
	WebhookHandler() http.Handler
}

// EventRecorder stores one normalized event for a user
type EventRecorder interface {
	AppendEvent(ctx context.Context, userID string, ev goaffiliate.LifecycleEvent) error
}

// ApplyEventMapping rewrites ev as a named event when its provider type is
// mapped. Lookups are exact first, then case-insensitive.
func ApplyEventMapping(mapping map[string]string, providerType string, ev goaffiliate.LifecycleEvent) (goaffiliate.LifecycleEvent, bool) {
	name, ok := lookupMapping(mapping, providerType)
	if !ok {
		return ev, false
	}
	ev.Kind = goaffiliate.KindNamed
	ev.Type = name
	ev.PeriodType = ""
	return ev, true
}

func lookupMapping(mapping map[string]string, key string) (string, bool) {
	if len(mapping) == 0 || key == "" {
		return "", false
	}
	if name, ok := mapping[key]; ok && name != "" {
		return name, true
	}
	for k, name := range mapping {
		if name != "" && strings.EqualFold(k, key) {
			return name, true
		}
	}
	return "", false
}
