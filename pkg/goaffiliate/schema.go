package goaffiliate

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// EventDescriptor describes one column of the union schema
type EventDescriptor struct {
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	IsPurchaseType bool   `json:"is_purchase_type"`
}

// EventUnionMap is an insertion-ordered, deduplicated set of event categories.
// It is built once from the unfiltered dataset and passed to every aggregation
// so filtering never adds or removes columns.
type EventUnionMap struct {
	order   []string
	entries map[string]EventDescriptor
}

// NewEventUnionMap returns an empty union map
func NewEventUnionMap() *EventUnionMap {
	return &EventUnionMap{entries: make(map[string]EventDescriptor)}
}

// Names returns the event names in insertion order
func (m *EventUnionMap) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Descriptors returns the descriptors in insertion order
func (m *EventUnionMap) Descriptors() []EventDescriptor {
	if m == nil {
		return nil
	}
	out := make([]EventDescriptor, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.entries[name])
	}
	return out
}

// Lookup returns the descriptor registered for name
func (m *EventUnionMap) Lookup(name string) (EventDescriptor, bool) {
	if m == nil {
		return EventDescriptor{}, false
	}
	d, ok := m.entries[name]
	return d, ok
}

// Has reports whether name is part of the schema
func (m *EventUnionMap) Has(name string) bool {
	_, ok := m.Lookup(name)
	return ok
}

// Len returns the number of events in the schema
func (m *EventUnionMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// add inserts a descriptor unless the name is already present. First
// occurrence wins, including its display name and purchase flag.
func (m *EventUnionMap) add(d EventDescriptor) bool {
	if d.Name == "" {
		return false
	}
	if _, exists := m.entries[d.Name]; exists {
		return false
	}
	m.entries[d.Name] = d
	m.order = append(m.order, d.Name)
	return true
}

// MarshalJSON encodes the schema as an ordered array of descriptors
func (m *EventUnionMap) MarshalJSON() ([]byte, error) {
	descriptors := m.Descriptors()
	if descriptors == nil {
		descriptors = []EventDescriptor{}
	}
	return json.Marshal(descriptors)
}

// UnmarshalJSON decodes an ordered array of descriptors, keeping first occurrences
func (m *EventUnionMap) UnmarshalJSON(data []byte) error {
	var descriptors []EventDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return err
	}
	m.order = nil
	m.entries = make(map[string]EventDescriptor, len(descriptors))
	for _, d := range descriptors {
		m.add(d)
	}
	return nil
}

// SchemaBuilder accumulates a union schema in a single linear scan
type SchemaBuilder struct {
	schema   *EventUnionMap
	defaults []CommissionRule
}

// NewSchemaBuilder creates a builder. defaults are used for codes that define
// no commission rules of their own.
func NewSchemaBuilder(defaults []CommissionRule) *SchemaBuilder {
	return &SchemaBuilder{
		schema:   NewEventUnionMap(),
		defaults: defaults,
	}
}

// AddRule registers a rule's event on first occurrence
func (b *SchemaBuilder) AddRule(rule CommissionRule) *SchemaBuilder {
	name := strings.TrimSpace(rule.Event)
	display := strings.TrimSpace(rule.DisplayName)
	if display == "" {
		display = DisplayNameFor(name)
	}
	b.schema.add(EventDescriptor{
		Name:           name,
		DisplayName:    display,
		IsPurchaseType: IsPurchaseLikeCategory(name),
	})
	return b
}

// AddCodes registers the rules of every code, in order
func (b *SchemaBuilder) AddCodes(codes []ReferralCode) *SchemaBuilder {
	for _, code := range codes {
		for _, rule := range rulesOrDefaults(code.CommissionRules, b.defaults) {
			b.AddRule(rule)
		}
	}
	return b
}

// AddObserved registers categories seen in event streams that no rule named.
// Users are scanned in order and each user's events in timestamp order so the
// result does not depend on storage ordering within a user.
func (b *SchemaBuilder) AddObserved(users []UserEvents) *SchemaBuilder {
	for _, u := range users {
		events := sortedEvents(u.Events)
		for _, ev := range events {
			if category, ok := Classify(ev); ok {
				b.schema.add(EventDescriptor{
					Name:           category,
					DisplayName:    DisplayNameFor(category),
					IsPurchaseType: IsPurchaseLikeCategory(category),
				})
			}
		}
	}
	return b
}

// Build returns the accumulated schema
func (b *SchemaBuilder) Build() *EventUnionMap {
	return b.schema
}

// BuildUnionSchema builds the union schema from the commission rules of codes.
// Codes without rules contribute defaults.
func BuildUnionSchema(codes []ReferralCode, defaults []CommissionRule) *EventUnionMap {
	return NewSchemaBuilder(defaults).AddCodes(codes).Build()
}

// DisplayNameFor replaces underscores with spaces and upper-cases the first
// letter of each word. The rest of every word is kept as given.
func DisplayNameFor(name string) string {
	words := strings.Split(name, "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(r)) + word[size:]
	}
	return strings.Join(words, " ")
}

func rulesOrDefaults(rules, defaults []CommissionRule) []CommissionRule {
	if len(rules) > 0 {
		return rules
	}
	return defaults
}

// sortedEvents returns a copy of events ordered by timestamp. Ties keep input order.
func sortedEvents(events []LifecycleEvent) []LifecycleEvent {
	out := make([]LifecycleEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
