// Package revenuecat records RevenueCat webhook events as affiliate
// lifecycle events.
package revenuecat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goaffiliate/pkg/billing"
	"github.com/mihaimyh/goaffiliate/pkg/billing/internal"
	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

const (
	providerName             = "revenuecat"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100

	// RevenueCat webhook payloads are typically <100KB
	maxBodyBytes = 256 * 1024

	testEventType = "TEST"
)

// Provider implements the billing.Provider interface for RevenueCat
type Provider struct {
	recorder    billing.EventRecorder
	config      billing.Config
	rateLimiter *internal.RateLimiter
	secret      []byte
	acceptHMAC  bool
	metrics     billing.Metrics
	logger      goaffiliate.Logger
}

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Recorder == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	if strings.HasPrefix(strings.ToLower(secret), "bearer ") {
		secret = strings.TrimSpace(secret[len("bearer "):])
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
		recorder:    config.Recorder,
		config:      config,
		rateLimiter: internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow, resolver),
		secret:      []byte(secret),
		acceptHMAC:  config.EnableHMAC,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// handleWebhook processes incoming RevenueCat webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.secret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if !p.verifyRequest(extractTokenOrSignature(r), body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	raw, err := parseWebhookPayload(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.logger.Warn("revenuecat webhook rejected", goaffiliate.Field{Key: "error", Value: err.Error()})
		return
	}

	eventType := rawEventType(raw)

	// RevenueCat sends TEST events from the dashboard; acknowledge without storing
	if strings.EqualFold(eventType, testEventType) {
		writeOK(w)
		p.metrics.RecordWebhookEvent(providerName, testEventType, "ignored")
		p.metrics.RecordWebhookProcessingDuration(providerName, testEventType, time.Since(startTime))
		return
	}

	ev, err := p.toEvent(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_event")
		return
	}

	if err := p.processWebhookEvent(r.Context(), ev, eventType, raw); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, goaffiliate.ErrInvalidEvent) {
			status = http.StatusBadRequest
		}
		http.Error(w, "failed to process webhook", status)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		p.logger.Error("revenuecat webhook processing failed",
			goaffiliate.Field{Key: "event_type", Value: eventType},
			goaffiliate.Field{Key: "user_id", Value: ev.UserID},
			goaffiliate.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	writeOK(w)
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent hands the normalized event to the recorder and then to
// the optional callback. Duplicate deliveries share an event ID and are
// collapsed by storage.
func (p *Provider) processWebhookEvent(ctx context.Context, ev goaffiliate.LifecycleEvent, eventType string, raw map[string]interface{}) error {
	if err := p.recorder.AppendEvent(ctx, ev.UserID, ev); err != nil {
		return err
	}
	p.metrics.RecordEventRecorded(providerName, ev.Type)

	if p.config.WebhookCallback == nil {
		return nil
	}
	return p.config.WebhookCallback(ctx, billing.WebhookEvent{
		UserID:         ev.UserID,
		Provider:       providerName,
		EventType:      eventType,
		EventTimestamp: ev.Timestamp,
		Event:          ev,
		Metadata:       callbackMetadata(raw),
	})
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
