package goaffiliate

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payload keys accepted at the ingestion boundary. The first present key of
// each group wins.
var (
	timestampKeys  = []string{"purchased_at_ms", "purchasedAtMs", "event_timestamp_ms", "timestamp_ms", "timestamp"}
	idKeys         = []string{"id", "event_id"}
	periodTypeKeys = []string{"period_type", "periodType"}
	userKeys       = []string{"app_user_id", "user_id", "userId"}
	countryKeys    = []string{"country_code", "country"}
)

const (
	namedEventKey    = "commission_event_name"
	lifecycleTypeKey = "type"
	productIDKey     = "product_id"
	storeKey         = "store"
	transactionIDKey = "transaction_id"
	priceKey         = "price"
	currencyKey      = "currency"

	canonicalTimeKey    = "timestamp_ms"
	canonicalUserKey    = "user_id"
	canonicalIDKey      = "id"
	canonicalKindKey    = "kind"
	canonicalPeriodKey  = "period_type"
	canonicalCountryKey = "country_code"

	// maxTimestampMs is 9999-12-31T23:59:59.999Z
	maxTimestampMs = 253402300799999
)

// DecodeEvent normalizes one raw payload into a LifecycleEvent. Payloads
// carrying commission_event_name are named events; all others are lifecycle
// events keyed by type. The second return value is false when the payload has
// no type or no numeric timestamp.
func DecodeEvent(payload map[string]interface{}) (LifecycleEvent, bool) {
	if payload == nil {
		return LifecycleEvent{}, false
	}

	ev := LifecycleEvent{Kind: KindLifecycle}
	if name, ok := stringField(payload, namedEventKey); ok && strings.TrimSpace(name) != "" {
		ev.Kind = KindNamed
		ev.Type = strings.TrimSpace(name)
	} else if typ, ok := stringField(payload, lifecycleTypeKey); ok && strings.TrimSpace(typ) != "" {
		ev.Type = strings.TrimSpace(typ)
	} else {
		return LifecycleEvent{}, false
	}

	ms, ok := firstNumber(payload, timestampKeys)
	if !ok || ms <= 0 || ms > maxTimestampMs {
		return LifecycleEvent{}, false
	}
	ev.Timestamp = time.UnixMilli(int64(ms)).UTC()

	ev.ID, _ = firstString(payload, idKeys)
	ev.UserID, _ = firstString(payload, userKeys)
	ev.Country, _ = firstString(payload, countryKeys)
	ev.ProductID, _ = stringField(payload, productIDKey)
	ev.Store, _ = stringField(payload, storeKey)
	ev.TransactionID, _ = stringField(payload, transactionIDKey)
	ev.Currency, _ = stringField(payload, currencyKey)
	if pt, ok := firstString(payload, periodTypeKeys); ok {
		ev.PeriodType = PeriodType(strings.ToUpper(strings.TrimSpace(pt)))
	}
	if price, ok := numberField(payload, priceKey); ok {
		ev.Price = price
	}

	return ev, true
}

// EncodeEvent writes ev using the canonical payload keys understood by DecodeEvent
func EncodeEvent(ev LifecycleEvent) map[string]interface{} {
	out := map[string]interface{}{
		canonicalKindKey: string(ev.Kind),
		canonicalTimeKey: ev.Timestamp.UnixMilli(),
	}
	if ev.Kind == KindNamed {
		out[namedEventKey] = ev.Type
	} else {
		out[lifecycleTypeKey] = ev.Type
	}
	setIfNotEmpty(out, canonicalIDKey, ev.ID)
	setIfNotEmpty(out, canonicalUserKey, ev.UserID)
	setIfNotEmpty(out, canonicalPeriodKey, string(ev.PeriodType))
	setIfNotEmpty(out, currencyKey, ev.Currency)
	setIfNotEmpty(out, productIDKey, ev.ProductID)
	setIfNotEmpty(out, storeKey, ev.Store)
	setIfNotEmpty(out, canonicalCountryKey, ev.Country)
	setIfNotEmpty(out, transactionIDKey, ev.TransactionID)
	if ev.Price != 0 {
		out[priceKey] = ev.Price
	}
	return out
}

// MarshalEvents serializes events as a JSON array of canonical payloads
func MarshalEvents(events []LifecycleEvent) ([]byte, error) {
	payloads := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		payloads = append(payloads, EncodeEvent(ev))
	}
	return json.Marshal(payloads)
}

// Decoder turns serialized event lists into normalized events. A list that
// fails to parse is logged and treated as empty; individual malformed items
// are dropped.
type Decoder struct {
	logger  Logger
	metrics Metrics
}

// NewDecoder creates a decoder. Nil logger or metrics default to no-ops.
func NewDecoder(logger Logger, metrics Metrics) *Decoder {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Decoder{logger: logger, metrics: metrics}
}

// DecodeList parses raw as a JSON array of event payloads
func (d *Decoder) DecodeList(raw []byte) []LifecycleEvent {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []LifecycleEvent{}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var items []interface{}
	if err := dec.Decode(&items); err != nil {
		d.logger.Warn("failed to parse event list, treating as empty",
			Field{Key: "error", Value: err.Error()},
			Field{Key: "bytes", Value: len(raw)},
		)
		d.metrics.RecordDroppedEvent("parse_error")
		return []LifecycleEvent{}
	}

	return d.DecodeItems(items)
}

// DecodeItems normalizes already-parsed payloads, dropping malformed items
func (d *Decoder) DecodeItems(items []interface{}) []LifecycleEvent {
	events := make([]LifecycleEvent, 0, len(items))
	for _, item := range items {
		payload, ok := item.(map[string]interface{})
		if !ok {
			d.metrics.RecordDroppedEvent("malformed")
			continue
		}
		ev, ok := DecodeEvent(payload)
		if !ok {
			d.metrics.RecordDroppedEvent("malformed")
			continue
		}
		events = append(events, ev)
	}
	return events
}

// DecodeEventList is DecodeList with a logger and no metrics
func DecodeEventList(raw []byte, logger Logger) []LifecycleEvent {
	return NewDecoder(logger, nil).DecodeList(raw)
}

func stringField(payload map[string]interface{}, key string) (string, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

func firstString(payload map[string]interface{}, keys []string) (string, bool) {
	for _, key := range keys {
		if s, ok := stringField(payload, key); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func numberField(payload map[string]interface{}, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstNumber(payload map[string]interface{}, keys []string) (float64, bool) {
	for _, key := range keys {
		if f, ok := numberField(payload, key); ok {
			return f, true
		}
	}
	return 0, false
}

func setIfNotEmpty(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}
