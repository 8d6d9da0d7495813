package goaffiliate

import (
	"time"
)

// PeriodType is the store-reported period of a purchase lifecycle event
type PeriodType string

const (
	// PeriodTypeTrial marks a free trial period
	PeriodTypeTrial PeriodType = "TRIAL"
	// PeriodTypeNormal marks a paid period
	PeriodTypeNormal PeriodType = "NORMAL"
)

// Canonical lifecycle event types
const (
	EventInitialPurchase    = "INITIAL_PURCHASE"
	EventRenewal            = "RENEWAL"
	EventCancellation       = "CANCELLATION"
	EventSubscriptionPaused = "SUBSCRIPTION_PAUSED"
)

// Commission categories produced by the classifier
const (
	CategoryFreeTrial = "free_trial"
	CategoryPurchase  = "purchase"
	// CategorySignup is reserved for referral signups. It is never produced by
	// Classify; signups are derived from referral creation timestamps.
	CategorySignup = "signup"
)

// EventKind discriminates the two ingestion shapes
type EventKind string

const (
	// KindLifecycle is a RevenueCat-style subscription lifecycle event
	KindLifecycle EventKind = "lifecycle"
	// KindNamed is a generalized event that already carries its commission event name
	KindNamed EventKind = "named"
)

// LifecycleEvent is one observed purchase or referral action, normalized from
// whichever shape it arrived in.
type LifecycleEvent struct {
	ID         string
	Kind       EventKind
	Type       string
	PeriodType PeriodType
	Timestamp  time.Time
	Price      float64
	Currency   string
	UserID     string

	// Descriptive fields, opaque to aggregation
	ProductID     string
	Store         string
	Country       string
	TransactionID string
}

// CommissionRule maps a commission event to a monetary rate for one referral code
type CommissionRule struct {
	Event       string  `json:"event"`
	Rate        float64 `json:"rate"`
	Currency    string  `json:"currency"`
	DisplayName string  `json:"display_name,omitempty"`
}

// ReferralCode is a referral code as delivered by storage
type ReferralCode struct {
	ID          string
	AffiliateID string
	Code        string
	CreatedAt   time.Time

	// StartDate and EndDate bound the schedule (optional)
	StartDate *time.Time
	EndDate   *time.Time

	// Quota caps usage before the code is exhausted (optional)
	Quota *int

	// ReferralsCount is the number of signups attributed to the code
	ReferralsCount int

	CommissionRules []CommissionRule
}

// UserEvents is the event stream of one referred user
type UserEvents struct {
	UserID            string
	ReferralCodeID    string
	ReferralCreatedAt *time.Time
	Events            []LifecycleEvent
}

// CodeStatus is the derived status of a referral code
type CodeStatus string

const (
	StatusActive    CodeStatus = "active"
	StatusInactive  CodeStatus = "inactive"
	StatusExhausted CodeStatus = "exhausted"
)

// EarningsBreakdown holds commission earnings per event
type EarningsBreakdown struct {
	Breakdown map[string]float64 `json:"breakdown"`
	Total     float64            `json:"total"`
	Currency  string             `json:"currency"`

	// MixedCurrency is set when the rules behind this breakdown disagree on
	// currency. Currency then holds the last rule's currency.
	MixedCurrency bool `json:"mixed_currency,omitempty"`
}

// ReferralCodeStats is a referral code plus its derived analytics
type ReferralCodeStats struct {
	ID               string            `json:"id"`
	Code             string            `json:"code"`
	CreatedAt        time.Time         `json:"created_at"`
	StartDate        *time.Time        `json:"start_date,omitempty"`
	EndDate          *time.Time        `json:"end_date,omitempty"`
	Quota            *int              `json:"quota,omitempty"`
	ReferralsCount   int               `json:"referrals_count"`
	Conversions      map[string]int    `json:"conversions"`
	TotalConversions int               `json:"total_conversions"`
	UsageCount       int               `json:"usage_count"`
	Earnings         EarningsBreakdown `json:"earnings"`
	Status           CodeStatus        `json:"status"`
}

// DashboardStats aggregates every referral code of a dashboard
type DashboardStats struct {
	TotalCodes       int                 `json:"total_codes"`
	ActiveCodes      int                 `json:"active_codes"`
	InactiveCodes    int                 `json:"inactive_codes"`
	ExhaustedCodes   int                 `json:"exhausted_codes"`
	TotalConversions int                 `json:"total_conversions"`
	Conversions      map[string]int      `json:"conversions"`
	TotalReferrals   int                 `json:"total_referrals"`
	TotalEarnings    EarningsBreakdown   `json:"total_earnings"`
	Codes            []ReferralCodeStats `json:"codes"`
}

// TimeSeriesPoint is one day of conversion counts
type TimeSeriesPoint struct {
	Date        string         `json:"date"`
	EventCounts map[string]int `json:"event_counts"`
}

// DateRange is an inclusive, day-granular range. Nil bounds are open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// Snapshot is a fully fetched view of one affiliate's data
type Snapshot struct {
	AffiliateID string
	Codes       []ReferralCode
	Users       []UserEvents
	FetchedAt   time.Time
}

// Clone returns a deep copy of the code
func (c ReferralCode) Clone() ReferralCode {
	out := c
	if c.StartDate != nil {
		t := *c.StartDate
		out.StartDate = &t
	}
	if c.EndDate != nil {
		t := *c.EndDate
		out.EndDate = &t
	}
	if c.Quota != nil {
		q := *c.Quota
		out.Quota = &q
	}
	if c.CommissionRules != nil {
		out.CommissionRules = append([]CommissionRule(nil), c.CommissionRules...)
	}
	return out
}
