package goaffiliate

import "time"

// DeriveStatus computes a code's status at now.
//
// A code outside its schedule is inactive. Otherwise it is exhausted when a
// quota is set and usageCount has reached it. usageCount is
// max(totalConversions, referralsCount), see UsageCount.
func DeriveStatus(code ReferralCode, usageCount int, now time.Time) CodeStatus {
	if code.StartDate != nil && now.Before(*code.StartDate) {
		return StatusInactive
	}
	if code.EndDate != nil && now.After(*code.EndDate) {
		return StatusInactive
	}
	if code.Quota != nil && usageCount >= *code.Quota {
		return StatusExhausted
	}
	return StatusActive
}

// UsageCount is the figure compared against a code's quota
func UsageCount(totalConversions, referralsCount int) int {
	if referralsCount > totalConversions {
		return referralsCount
	}
	return totalConversions
}
