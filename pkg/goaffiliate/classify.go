package goaffiliate

import "strings"

// purchaseLikeCategories are grouped as purchases in legacy displays
var purchaseLikeCategories = map[string]struct{}{
	"purchase":     {},
	"free_trial":   {},
	"subscription": {},
	"renewal":      {},
}

// Classify maps an event to its commission category. The second return value is
// false when the event does not count toward conversions or earnings
// (cancellations, pauses, unknown lifecycle types).
func Classify(ev LifecycleEvent) (string, bool) {
	switch {
	case ev.Type == EventInitialPurchase && ev.PeriodType == PeriodTypeTrial:
		return CategoryFreeTrial, true
	case ev.Type == EventInitialPurchase && ev.PeriodType == PeriodTypeNormal:
		return CategoryPurchase, true
	case ev.Type == EventRenewal:
		// Renewals always land in the paid bucket
		return CategoryPurchase, true
	}

	if ev.Kind == KindNamed {
		name := strings.TrimSpace(ev.Type)
		if name == "" {
			return "", false
		}
		return name, true
	}

	return "", false
}

// IsPurchaseLikeCategory reports whether name belongs to the legacy purchase group
func IsPurchaseLikeCategory(name string) bool {
	_, ok := purchaseLikeCategories[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// UserConversions returns the set of categories a user converted on. Each
// category appears at most once no matter how many events map to it.
func UserConversions(events []LifecycleEvent) map[string]struct{} {
	out := make(map[string]struct{})
	for _, ev := range events {
		if category, ok := Classify(ev); ok {
			out[category] = struct{}{}
		}
	}
	return out
}
