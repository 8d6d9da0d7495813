package billing

import "github.com/mihaimyh/goaffiliate/pkg/goaffiliate"

// Config defines the standard configuration all providers should accept
type Config struct {
	// Recorder receives the normalized events. *goaffiliate.Engine satisfies it.
	Recorder EventRecorder

	// EventMapping maps provider event types to named commission events.
	// A mapped event is stored as a named event instead of a lifecycle event.
	// For example: map[string]string{"NON_RENEWING_PURCHASE": "purchase"}
	EventMapping map[string]string

	// WebhookSecret is used to verify incoming webhook requests (e.g. RevenueCat
	// X-RevenueCat-Signature or Bearer tokens).
	WebhookSecret string

	// EnableHMAC enforces HMAC signature verification (if supported by provider).
	// When enabled, the provider will verify webhook signatures using HMAC-SHA256.
	// Defaults to false (uses Bearer token authentication).
	EnableHMAC bool

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger (default: NoopLogger)
	Logger goaffiliate.Logger

	// TrustedProxies lists proxy IPs or CIDR blocks whose X-Forwarded-For header
	// identifies the client for webhook rate limiting. Empty means the direct
	// peer address is used.
	TrustedProxies []string

	// WebhookCallback is invoked after an event has been recorded.
	// An error from the callback fails the webhook so the provider retries it.
	WebhookCallback WebhookCallback
}
