// Package stripe records Stripe webhook events as affiliate lifecycle events.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goaffiliate/pkg/billing"
	"github.com/mihaimyh/goaffiliate/pkg/billing/internal"
	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxBodyBytes             = 256 * 1024

	// userIDMetadataKey is the metadata key linking Stripe objects to app users
	userIDMetadataKey = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Recorder, EventMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// UserIDResolver maps a Stripe customer ID to an app user ID.
	// If nil, the customer's metadata.user_id is fetched from the Stripe API.
	UserIDResolver func(ctx context.Context, customerID string) (string, error)
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	recorder       billing.EventRecorder
	config         Config
	rateLimiter    *internal.RateLimiter
	webhookSecret  []byte
	stripeClient   *stripe.Client
	userIDResolver func(context.Context, string) (string, error)
	metrics        billing.Metrics
	logger         goaffiliate.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Recorder == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	resolver, err := internal.NewClientIPResolver(config.TrustedProxies)
	if err != nil {
		return nil, err
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &goaffiliate.NoopLogger{}
	}

	return &Provider{
		recorder:       config.Recorder,
		config:         config,
		rateLimiter:    internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow, resolver),
		webhookSecret:  []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		stripeClient:   stripe.NewClient(apiKey),
		userIDResolver: config.UserIDResolver,
		metrics:        metrics,
		logger:         logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
