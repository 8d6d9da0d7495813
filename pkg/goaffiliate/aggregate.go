package goaffiliate

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AggregateOptions parameterizes Aggregate. Zero values fall back to defaults.
type AggregateOptions struct {
	// Range restricts counting to categories first reached inside it
	Range DateRange

	// Now is the instant used for schedule checks (default: time.Now)
	Now time.Time

	// DefaultRules apply to codes without commission rules
	DefaultRules []CommissionRule

	// DefaultCurrency is reported when no rule names a currency (default: USD)
	DefaultCurrency string

	// Location determines day boundaries (default: UTC)
	Location *time.Location

	// CountSignupsFromUsers derives signups from the supplied users'
	// ReferralCreatedAt even without a range. Set it when users were narrowed
	// to a subset of a code's referrals.
	CountSignupsFromUsers bool

	// StatusUsers is the unfiltered user set that usage and status are derived
	// from when users were narrowed (default: the aggregated users)
	StatusUsers []UserEvents

	Logger  Logger
	Metrics Metrics
}

func (o AggregateOptions) withDefaults() AggregateOptions {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = defaultCurrency
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Logger == nil {
		o.Logger = &NoopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
	return o
}

// attributedUser is one user's merged view under a single referral code
type attributedUser struct {
	userID            string
	referralCreatedAt *time.Time
	events            []LifecycleEvent
}

// Aggregate computes per-code analytics and dashboard totals.
//
// Conversions are counted once per user per category. Every key of schema,
// plus signup, is present in every conversions map so that totals always
// equal the sum of the displayed columns.
func Aggregate(codes []ReferralCode, users []UserEvents, schema *EventUnionMap, opts AggregateOptions) DashboardStats {
	opts = opts.withDefaults()
	keys := displayKeys(schema)
	byCode := groupUsersByCode(users)
	statusByCode := byCode
	if opts.StatusUsers != nil {
		statusByCode = groupUsersByCode(opts.StatusUsers)
	}

	stats := DashboardStats{
		Conversions: zeroCounts(keys),
		TotalEarnings: EarningsBreakdown{
			Breakdown: make(map[string]float64),
			Currency:  opts.DefaultCurrency,
		},
		Codes: make([]ReferralCodeStats, 0, len(codes)),
	}

	earningsSum := 0.0
	currency := ""
	for _, code := range codes {
		cs := aggregateCode(code, byCode[code.ID], statusByCode[code.ID], keys, schema, opts)
		stats.Codes = append(stats.Codes, cs)

		stats.TotalCodes++
		switch cs.Status {
		case StatusActive:
			stats.ActiveCodes++
		case StatusInactive:
			stats.InactiveCodes++
		case StatusExhausted:
			stats.ExhaustedCodes++
		}

		for k, v := range cs.Conversions {
			stats.Conversions[k] += v
		}
		stats.TotalConversions += cs.TotalConversions
		stats.TotalReferrals += cs.Conversions[CategorySignup]

		for event, v := range cs.Earnings.Breakdown {
			stats.TotalEarnings.Breakdown[event] += v
		}
		earningsSum += cs.Earnings.Total

		if len(rulesOrDefaults(code.CommissionRules, opts.DefaultRules)) > 0 {
			if cs.Earnings.MixedCurrency {
				stats.TotalEarnings.MixedCurrency = true
			}
			if currency != "" && !strings.EqualFold(currency, cs.Earnings.Currency) {
				stats.TotalEarnings.MixedCurrency = true
			}
			currency = cs.Earnings.Currency
		}
	}

	for event, v := range stats.TotalEarnings.Breakdown {
		stats.TotalEarnings.Breakdown[event] = Round2(v)
	}
	stats.TotalEarnings.Total = Round2(earningsSum)
	if currency != "" {
		stats.TotalEarnings.Currency = currency
	}

	return stats
}

// aggregateCode counts conversions and earnings inside opts.Range. Usage and
// status describe the code at opts.Now and ignore the range.
func aggregateCode(code ReferralCode, users, statusUsers []*attributedUser, keys []string, schema *EventUnionMap, opts AggregateOptions) ReferralCodeStats {
	conversions := zeroCounts(keys)

	for _, u := range users {
		for category, at := range firstOccurrences(u.events) {
			if category == CategorySignup || !schema.Has(category) {
				continue
			}
			if !opts.Range.contains(at, opts.Location) {
				continue
			}
			conversions[category]++
		}
	}

	if opts.Range.isOpen() && !opts.CountSignupsFromUsers {
		conversions[CategorySignup] = code.ReferralsCount
	} else {
		signups := 0
		for _, u := range users {
			if u.referralCreatedAt != nil && opts.Range.contains(*u.referralCreatedAt, opts.Location) {
				signups++
			}
		}
		conversions[CategorySignup] = signups
	}

	total := 0
	for _, v := range conversions {
		total += v
	}
	usage := codeUsage(code, statusUsers, schema)

	return ReferralCodeStats{
		ID:               code.ID,
		Code:             code.Code,
		CreatedAt:        code.CreatedAt,
		StartDate:        code.StartDate,
		EndDate:          code.EndDate,
		Quota:            code.Quota,
		ReferralsCount:   code.ReferralsCount,
		Conversions:      conversions,
		TotalConversions: total,
		UsageCount:       usage,
		Earnings: ComputeEarnings(
			rulesOrDefaults(code.CommissionRules, opts.DefaultRules),
			conversions, opts.DefaultCurrency, opts.Logger, opts.Metrics,
		),
		Status: DeriveStatus(code, usage, opts.Now),
	}
}

// codeUsage is UsageCount over the code's all-time conversions
func codeUsage(code ReferralCode, users []*attributedUser, schema *EventUnionMap) int {
	total := code.ReferralsCount
	for _, u := range users {
		for category := range firstOccurrences(u.events) {
			if category != CategorySignup && schema.Has(category) {
				total++
			}
		}
	}
	return UsageCount(total, code.ReferralsCount)
}

// groupUsersByCode merges users by (code, user) so a user seen twice under
// the same code contributes once. Users are returned sorted by ID.
func groupUsersByCode(users []UserEvents) map[string][]*attributedUser {
	index := make(map[string]map[string]*attributedUser)
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		byUser, ok := index[u.ReferralCodeID]
		if !ok {
			byUser = make(map[string]*attributedUser)
			index[u.ReferralCodeID] = byUser
		}
		au, ok := byUser[u.UserID]
		if !ok {
			au = &attributedUser{userID: u.UserID}
			byUser[u.UserID] = au
		}
		au.events = append(au.events, u.Events...)
		if u.ReferralCreatedAt != nil && (au.referralCreatedAt == nil || u.ReferralCreatedAt.Before(*au.referralCreatedAt)) {
			t := *u.ReferralCreatedAt
			au.referralCreatedAt = &t
		}
	}

	out := make(map[string][]*attributedUser, len(index))
	for codeID, byUser := range index {
		list := make([]*attributedUser, 0, len(byUser))
		for _, au := range byUser {
			list = append(list, au)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].userID < list[j].userID })
		out[codeID] = list
	}
	return out
}

// firstOccurrences returns the earliest timestamp of each classified category.
// Events without a timestamp are ignored.
func firstOccurrences(events []LifecycleEvent) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, ev := range sortedEvents(events) {
		if ev.Timestamp.IsZero() {
			continue
		}
		category, ok := Classify(ev)
		if !ok {
			continue
		}
		if _, seen := out[category]; !seen {
			out[category] = ev.Timestamp
		}
	}
	return out
}

// displayKeys returns the schema's event names followed by signup when the
// schema does not already carry it.
func displayKeys(schema *EventUnionMap) []string {
	keys := schema.Names()
	if !schema.Has(CategorySignup) {
		keys = append(keys, CategorySignup)
	}
	return keys
}

func zeroCounts(keys []string) map[string]int {
	m := make(map[string]int, len(keys))
	for _, k := range keys {
		m[k] = 0
	}
	return m
}

func (r DateRange) isOpen() bool {
	return r.Start == nil && r.End == nil
}

// contains reports whether t falls on a day inside the range
func (r DateRange) contains(t time.Time, loc *time.Location) bool {
	day := startOfDay(t, loc)
	if r.Start != nil && day.Before(startOfDay(*r.Start, loc)) {
		return false
	}
	if r.End != nil && day.After(startOfDay(*r.End, loc)) {
		return false
	}
	return true
}

// Validate checks that the range does not end before it starts
func (r DateRange) Validate() error {
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return ErrInvalidRange
	}
	return nil
}

// CheckSpan rejects ranges covering more than maxDays days. A missing bound
// counts as today. A non-positive maxDays disables the check.
func (r DateRange) CheckSpan(maxDays int, now time.Time, loc *time.Location) error {
	if maxDays <= 0 {
		return nil
	}
	start, end := startOfDay(now, loc), startOfDay(now, loc)
	if r.Start != nil {
		start = startOfDay(*r.Start, loc)
	}
	if r.End != nil {
		end = startOfDay(*r.End, loc)
	}
	if end.Before(start.AddDate(0, 0, maxDays)) {
		return nil
	}
	return fmt.Errorf("%w: range spans more than %d days", ErrInvalidRange, maxDays)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
