package goaffiliate

import (
	"fmt"
	"math"
	"strings"
)

// Round2 rounds v to two decimal places
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ComputeEarnings applies commission rules to per-event conversion counts.
// Every breakdown value is rounded before summation and the total is the
// rounded sum. Rules with a negative rate or a repeated event are skipped; the
// first rule for an event wins. The currency of the last applied rule is
// reported, with MixedCurrency set if applied rules disagree.
func ComputeEarnings(rules []CommissionRule, counts map[string]int, defaultCurrency string, logger Logger, metrics Metrics) EarningsBreakdown {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	out := EarningsBreakdown{
		Breakdown: make(map[string]float64, len(rules)),
		Currency:  defaultCurrency,
	}

	seen := make(map[string]struct{}, len(rules))
	currency := ""
	sum := 0.0
	for _, rule := range rules {
		event := strings.TrimSpace(rule.Event)
		if event == "" {
			continue
		}
		if rule.Rate < 0 {
			logger.Warn("skipping commission rule with negative rate",
				Field{Key: "event", Value: event},
				Field{Key: "rate", Value: rule.Rate},
			)
			metrics.RecordDroppedEvent("negative_rate")
			continue
		}
		if _, dup := seen[event]; dup {
			logger.Warn("skipping duplicate commission rule", Field{Key: "event", Value: event})
			metrics.RecordDroppedEvent("duplicate_rule")
			continue
		}
		seen[event] = struct{}{}

		value := Round2(float64(counts[event]) * rule.Rate)
		out.Breakdown[event] = value
		sum += value

		if c := strings.TrimSpace(rule.Currency); c != "" {
			if currency != "" && !strings.EqualFold(currency, c) {
				out.MixedCurrency = true
			}
			currency = c
		}
	}

	if currency != "" {
		out.Currency = currency
	}
	out.Total = Round2(sum)
	return out
}

// ValidateRules checks the rule invariants of a referral code: non-empty
// events, non-negative rates, one rule per event and a single currency.
func ValidateRules(rules []CommissionRule) error {
	seen := make(map[string]struct{}, len(rules))
	currency := ""
	for _, rule := range rules {
		event := strings.TrimSpace(rule.Event)
		if event == "" {
			return fmt.Errorf("%w: rule without event", ErrInvalidCode)
		}
		if rule.Rate < 0 {
			return fmt.Errorf("%w: %s", ErrNegativeRate, event)
		}
		if _, dup := seen[event]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, event)
		}
		seen[event] = struct{}{}

		if c := strings.TrimSpace(rule.Currency); c != "" {
			if currency != "" && !strings.EqualFold(currency, c) {
				return fmt.Errorf("%w: %s and %s", ErrMixedCurrency, currency, c)
			}
			currency = c
		}
	}
	return nil
}

// ValidateReferralCode checks a referral code before it is persisted
func ValidateReferralCode(code *ReferralCode) error {
	if code == nil {
		return ErrInvalidCode
	}
	if strings.TrimSpace(code.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCode)
	}
	if strings.TrimSpace(code.Code) == "" {
		return fmt.Errorf("%w: missing code", ErrInvalidCode)
	}
	if code.Quota != nil && *code.Quota < 0 {
		return fmt.Errorf("%w: negative quota", ErrInvalidCode)
	}
	if code.StartDate != nil && code.EndDate != nil && code.EndDate.Before(*code.StartDate) {
		return fmt.Errorf("%w: schedule ends before it starts", ErrInvalidRange)
	}
	return ValidateRules(code.CommissionRules)
}
