package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goaffiliate/pkg/billing"
	"github.com/mihaimyh/goaffiliate/pkg/billing/internal"
	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

const (
	storeName = "STRIPE"

	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventSubscriptionPaused  = "customer.subscription.paused"
	eventInvoicePaid         = "invoice.paid"
	eventInvoiceSucceeded    = "invoice.payment_succeeded"
	eventCheckoutCompleted   = "checkout.session.completed"
)

// zeroDecimalCurrencies are charged in whole units rather than cents
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// normalizedEvent is a Stripe event translated for the recorder
type normalizedEvent struct {
	userID   string
	event    goaffiliate.LifecycleEvent
	metadata map[string]string
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
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

	event, err := stripe.ConstructEvent(body, r.Header.Get("Stripe-Signature"), string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	recorded, err := p.processWebhookEvent(r.Context(), &event)
	switch {
	case errors.Is(err, billing.ErrUserNotFound):
		// Events that cannot be attributed to an app user are acknowledged
		p.logger.Warn("stripe event without app user",
			goaffiliate.Field{Key: "event_id", Value: event.ID},
			goaffiliate.Field{Key: "event_type", Value: eventType},
		)
		p.metrics.RecordUnattributedEvent(providerName, eventType)
		recorded = false
	case err != nil:
		status := http.StatusInternalServerError
		if errors.Is(err, goaffiliate.ErrInvalidEvent) || errors.Is(err, billing.ErrInvalidWebhookPayload) {
			status = http.StatusBadRequest
		}
		http.Error(w, "failed to process webhook", status)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		p.logger.Error("stripe webhook processing failed",
			goaffiliate.Field{Key: "event_id", Value: event.ID},
			goaffiliate.Field{Key: "event_type", Value: eventType},
			goaffiliate.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	status := "success"
	if !recorded {
		status = "ignored"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent translates and records one event. It reports false for
// event types that carry no referral signal.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (bool, error) {
	n, err := p.translate(ctx, event)
	if err != nil || n == nil {
		return false, err
	}

	if err := p.recorder.AppendEvent(ctx, n.userID, n.event); err != nil {
		return false, err
	}
	p.metrics.RecordEventRecorded(providerName, n.event.Type)

	if p.config.WebhookCallback != nil {
		metadata := make(map[string]interface{}, len(n.metadata)+2)
		for k, v := range n.metadata {
			metadata[k] = v
		}
		metadata["stripe_event_id"] = event.ID
		metadata["livemode"] = event.Livemode

		if err := p.config.WebhookCallback(ctx, billing.WebhookEvent{
			UserID:         n.userID,
			Provider:       providerName,
			EventType:      string(event.Type),
			EventTimestamp: n.event.Timestamp,
			Event:          n.event,
			Metadata:       metadata,
		}); err != nil {
			return true, err
		}
	}
	return true, nil
}

// translate maps a Stripe event onto a lifecycle event. Mapped event types
// take precedence over the built-in lifecycle translation.
func (p *Provider) translate(ctx context.Context, event *stripe.Event) (*normalizedEvent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing event data", billing.ErrInvalidWebhookPayload)
	}
	eventTime := time.Unix(event.Created, 0).UTC()
	eventType := string(event.Type)

	if name := p.config.EventMapping[eventType]; name != "" {
		return p.translateMapped(ctx, event, eventTime)
	}

	switch eventType {
	case eventSubscriptionCreated:
		return p.handleSubscriptionCreated(ctx, event, eventTime)
	case eventSubscriptionDeleted:
		return p.handleSubscriptionEnded(ctx, event, eventTime, goaffiliate.EventCancellation)
	case eventSubscriptionPaused:
		return p.handleSubscriptionEnded(ctx, event, eventTime, goaffiliate.EventSubscriptionPaused)
	case eventInvoicePaid, eventInvoiceSucceeded:
		return p.handleInvoicePaid(ctx, event, eventTime)
	case eventCheckoutCompleted:
		return p.handleCheckoutSessionCompleted(ctx, event, eventTime)
	default:
		// Unknown event type - ignore silently
		return nil, nil
	}
}

// handleSubscriptionCreated records trial starts. Paid starts arrive as the
// first invoice.
func (p *Provider) handleSubscriptionCreated(ctx context.Context, event *stripe.Event, eventTime time.Time) (*normalizedEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.Status != stripe.SubscriptionStatusTrialing {
		return nil, nil
	}

	userID, err := p.userFromSubscription(ctx, &sub)
	if err != nil {
		return nil, err
	}

	at := eventTime
	if sub.TrialStart > 0 {
		at = time.Unix(sub.TrialStart, 0).UTC()
	}
	return &normalizedEvent{
		userID: userID,
		event: goaffiliate.LifecycleEvent{
			ID:         "stripe:" + sub.ID + ":trial",
			Kind:       goaffiliate.KindLifecycle,
			Type:       goaffiliate.EventInitialPurchase,
			PeriodType: goaffiliate.PeriodTypeTrial,
			Timestamp:  at,
			Currency:   strings.ToUpper(string(sub.Currency)),
			ProductID:  subscriptionPriceID(&sub),
			Store:      storeName,
		},
		metadata: sub.Metadata,
	}, nil
}

// handleSubscriptionEnded records cancellations and pauses
func (p *Provider) handleSubscriptionEnded(ctx context.Context, event *stripe.Event, eventTime time.Time, eventType string) (*normalizedEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.userFromSubscription(ctx, &sub)
	if err != nil {
		return nil, err
	}

	return &normalizedEvent{
		userID: userID,
		event: goaffiliate.LifecycleEvent{
			ID:        "stripe:" + event.ID,
			Kind:      goaffiliate.KindLifecycle,
			Type:      eventType,
			Timestamp: eventTime,
			ProductID: subscriptionPriceID(&sub),
			Store:     storeName,
		},
		metadata: sub.Metadata,
	}, nil
}

// handleInvoicePaid records first payments and renewals. Stripe sends both
// invoice.paid and invoice.payment_succeeded for one invoice; the invoice ID
// is the event ID so storage keeps one of them.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event, eventTime time.Time) (*normalizedEvent, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if invoice.AmountPaid <= 0 {
		return nil, nil
	}

	ev := goaffiliate.LifecycleEvent{
		ID:            "stripe:" + invoice.ID,
		Kind:          goaffiliate.KindLifecycle,
		Timestamp:     eventTime,
		Price:         toMajorUnits(invoice.AmountPaid, invoice.Currency),
		Currency:      strings.ToUpper(string(invoice.Currency)),
		TransactionID: invoice.ID,
		Store:         storeName,
	}
	switch invoice.BillingReason {
	case stripe.InvoiceBillingReasonSubscriptionCreate:
		ev.Type = goaffiliate.EventInitialPurchase
		ev.PeriodType = goaffiliate.PeriodTypeNormal
	case stripe.InvoiceBillingReasonSubscriptionCycle:
		ev.Type = goaffiliate.EventRenewal
		ev.PeriodType = goaffiliate.PeriodTypeNormal
	default:
		return nil, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	userID, err := p.userFromObject(ctx, raw)
	if err != nil {
		return nil, err
	}

	return &normalizedEvent{userID: userID, event: ev, metadata: invoice.Metadata}, nil
}

// handleCheckoutSessionCompleted records one-time payments. Subscription
// checkouts are covered by their first invoice.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, eventTime time.Time) (*normalizedEvent, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if session.Mode != stripe.CheckoutSessionModePayment {
		return nil, nil
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, nil
	}

	userID := strings.TrimSpace(session.ClientReferenceID)
	if userID == "" {
		var raw map[string]interface{}
		if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		var err error
		if userID, err = p.userFromObject(ctx, raw); err != nil {
			return nil, err
		}
	}

	return &normalizedEvent{
		userID: userID,
		event: goaffiliate.LifecycleEvent{
			ID:            "stripe:" + session.ID,
			Kind:          goaffiliate.KindLifecycle,
			Type:          goaffiliate.EventInitialPurchase,
			PeriodType:    goaffiliate.PeriodTypeNormal,
			Timestamp:     eventTime,
			Price:         toMajorUnits(session.AmountTotal, session.Currency),
			Currency:      strings.ToUpper(string(session.Currency)),
			TransactionID: session.ID,
			Store:         storeName,
		},
		metadata: session.Metadata,
	}, nil
}

// translateMapped records a configured Stripe event type as a named event
func (p *Provider) translateMapped(ctx context.Context, event *stripe.Event, eventTime time.Time) (*normalizedEvent, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, _ := raw["client_reference_id"].(string)
	if strings.TrimSpace(userID) == "" {
		var err error
		if userID, err = p.userFromObject(ctx, raw); err != nil {
			return nil, err
		}
	}

	ev, _ := billing.ApplyEventMapping(p.config.EventMapping, string(event.Type), goaffiliate.LifecycleEvent{
		ID:        "stripe:" + event.ID,
		Timestamp: eventTime,
		Store:     storeName,
	})
	return &normalizedEvent{userID: strings.TrimSpace(userID), event: ev, metadata: stringMap(raw["metadata"])}, nil
}

// userFromSubscription reads metadata.user_id, falling back to the customer
func (p *Provider) userFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := strings.TrimSpace(sub.Metadata[userIDMetadataKey]); userID != "" {
		return userID, nil
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		return p.userFromCustomer(ctx, sub.Customer.ID)
	}
	return "", fmt.Errorf("%w: subscription %s", billing.ErrUserNotFound, sub.ID)
}

// userFromObject resolves the user of a raw Stripe object from its metadata,
// its parent subscription metadata, or its customer.
func (p *Provider) userFromObject(ctx context.Context, raw map[string]interface{}) (string, error) {
	if userID := strings.TrimSpace(stringMap(raw["metadata"])[userIDMetadataKey]); userID != "" {
		return userID, nil
	}
	if parent, ok := raw["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			if userID := strings.TrimSpace(stringMap(details["metadata"])[userIDMetadataKey]); userID != "" {
				return userID, nil
			}
		}
	}

	customerID := ""
	switch v := raw["customer"].(type) {
	case string:
		customerID = v
	case map[string]interface{}:
		customerID, _ = v["id"].(string)
	}
	if customerID == "" {
		id, _ := raw["id"].(string)
		return "", fmt.Errorf("%w: object %s", billing.ErrUserNotFound, id)
	}
	return p.userFromCustomer(ctx, customerID)
}

// userFromCustomer resolves a customer through the configured resolver or
// the customer's metadata.
func (p *Provider) userFromCustomer(ctx context.Context, customerID string) (string, error) {
	if p.userIDResolver != nil {
		userID, err := p.userIDResolver(ctx, customerID)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(userID) == "" {
			return "", fmt.Errorf("%w: customer %s", billing.ErrUserNotFound, customerID)
		}
		return strings.TrimSpace(userID), nil
	}

	start := time.Now()
	cust, err := p.stripeClient.V1Customers.Retrieve(ctx, customerID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/v1/customers", time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/customers", "error")
		return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/v1/customers", "success")

	if userID := strings.TrimSpace(cust.Metadata[userIDMetadataKey]); userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("%w: customer %s", billing.ErrUserNotFound, customerID)
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

// toMajorUnits converts a Stripe amount in the smallest currency unit
func toMajorUnits(amount int64, currency stripe.Currency) float64 {
	if zeroDecimalCurrencies[strings.ToLower(string(currency))] {
		return float64(amount)
	}
	return goaffiliate.Round2(float64(amount) / 100)
}

func stringMap(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
