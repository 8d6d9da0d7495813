package revenuecat

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/goaffiliate/pkg/billing"
	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// metadataKeys are copied from the raw event into WebhookEvent.Metadata
var metadataKeys = []string{"product_id", "store", "environment", "period_type", "country_code", "transaction_id"}

// extractTokenOrSignature extracts the authentication token or signature from the request
func extractTokenOrSignature(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("bearer "):])
	}
	if authHeader != "" {
		// Allow direct token (rare)
		return authHeader
	}
	return strings.TrimSpace(r.Header.Get("X-RevenueCat-Signature"))
}

// verifyRequest verifies the webhook request signature or token
func (p *Provider) verifyRequest(tokenOrSig string, body []byte) bool {
	if len(p.secret) == 0 || strings.TrimSpace(tokenOrSig) == "" {
		return false
	}

	// Primary: token match (RevenueCat common setup)
	if subtle.ConstantTimeCompare([]byte(tokenOrSig), p.secret) == 1 {
		return true
	}

	// Optional: HMAC signature verification
	if !p.acceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(tokenOrSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

// parseWebhookPayload extracts the event object. Numbers are kept as
// json.Number so millisecond timestamps survive intact.
func parseWebhookPayload(body []byte) (map[string]interface{}, error) {
	var payload struct {
		Event map[string]interface{} `json:"event"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects in payload", billing.ErrInvalidWebhookPayload)
	}
	if payload.Event == nil {
		return nil, fmt.Errorf("%w: missing event", billing.ErrInvalidWebhookPayload)
	}
	return payload.Event, nil
}

func rawEventType(raw map[string]interface{}) string {
	if s, ok := raw["type"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return "UNKNOWN"
}

// toEvent normalizes the raw event and applies the configured event mapping
func (p *Provider) toEvent(raw map[string]interface{}) (goaffiliate.LifecycleEvent, error) {
	ev, ok := goaffiliate.DecodeEvent(raw)
	if !ok {
		return goaffiliate.LifecycleEvent{}, errors.New("event is missing a type or timestamp")
	}
	if strings.TrimSpace(ev.UserID) == "" {
		return goaffiliate.LifecycleEvent{}, billing.ErrUserNotFound
	}
	ev.UserID = strings.TrimSpace(ev.UserID)
	if ev.Kind == goaffiliate.KindLifecycle {
		ev, _ = billing.ApplyEventMapping(p.config.EventMapping, ev.Type, ev)
	}
	return ev, nil
}

func callbackMetadata(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, key := range metadataKeys {
		if v, ok := raw[key]; ok && v != nil {
			out[key] = v
		}
	}
	return out
}
