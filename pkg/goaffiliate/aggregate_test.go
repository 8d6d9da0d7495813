package goaffiliate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var aggregateNow = mustDate("2024-06-15")

func dayAt(s string) time.Time {
	return mustDate(s).Add(10 * time.Hour)
}

func standardRules() []CommissionRule {
	return []CommissionRule{
		{Event: CategoryFreeTrial, Rate: 1.5, Currency: "USD"},
		{Event: CategoryPurchase, Rate: 10, Currency: "USD"},
	}
}

func TestAggregate_OneTimePerUserPerCategory(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", Code: "ALPHA", ReferralsCount: 1, CommissionRules: standardRules()}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
		lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-01-01")),
		lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-02-01")),
		lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-03-01")),
	}}}
	schema := BuildUnionSchema(codes, nil)

	stats := Aggregate(codes, users, schema, AggregateOptions{Now: aggregateNow})

	require.Len(t, stats.Codes, 1)
	cs := stats.Codes[0]
	assert.Equal(t, 1, cs.Conversions[CategoryPurchase])
	assert.Equal(t, 0, cs.Conversions[CategoryFreeTrial])
	assert.Equal(t, 1, cs.Conversions[CategorySignup])
	assert.Equal(t, 10.0, cs.Earnings.Breakdown[CategoryPurchase])
}

func TestAggregate_TrialThenRenewalCountsBoth(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", ReferralsCount: 1, CommissionRules: standardRules()}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
		lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-01")),
		lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-01-05")),
	}}}

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{Now: aggregateNow})

	cs := stats.Codes[0]
	assert.Equal(t, 1, cs.Conversions[CategoryFreeTrial])
	assert.Equal(t, 1, cs.Conversions[CategoryPurchase])
	assert.Equal(t, 11.5, cs.Earnings.Total)
}

func TestAggregate_StatusExhaustedByCombinedUsage(t *testing.T) {
	codes := []ReferralCode{{
		ID:              "c1",
		Quota:           intPtr(5),
		ReferralsCount:  3,
		CommissionRules: []CommissionRule{{Event: CategoryPurchase, Rate: 1, Currency: "USD"}},
	}}
	var users []UserEvents
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		users = append(users, UserEvents{UserID: id, ReferralCodeID: "c1", Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeNormal, dayAt("2024-05-01")),
		}})
	}

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{Now: aggregateNow})

	cs := stats.Codes[0]
	assert.Equal(t, 4, cs.Conversions[CategoryPurchase])
	assert.Equal(t, 7, cs.TotalConversions)
	assert.Equal(t, 7, cs.UsageCount)
	assert.Equal(t, StatusExhausted, cs.Status)
	assert.Equal(t, 1, stats.ExhaustedCodes)
}

func TestAggregate_StatusIgnoresRange(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", Quota: intPtr(3), ReferralsCount: 1, CommissionRules: standardRules()}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "c1", ReferralCreatedAt: timePtr(dayAt("2024-01-02")), Events: []LifecycleEvent{
		lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-03")),
		lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-01-10")),
	}}}
	schema := BuildUnionSchema(codes, nil)

	all := Aggregate(codes, users, schema, AggregateOptions{Now: aggregateNow})
	require.Len(t, all.Codes, 1)
	assert.Equal(t, 3, all.Codes[0].UsageCount)
	assert.Equal(t, StatusExhausted, all.Codes[0].Status)
	assert.Equal(t, 1, all.ExhaustedCodes)

	start, end := mustDate("2024-03-01"), mustDate("2024-03-31")
	march := Aggregate(codes, users, schema, AggregateOptions{Now: aggregateNow, Range: DateRange{Start: &start, End: &end}})
	require.Len(t, march.Codes, 1)
	assert.Equal(t, 0, march.Codes[0].TotalConversions)
	assert.Equal(t, 0.0, march.Codes[0].Earnings.Total)
	assert.Equal(t, all.Codes[0].UsageCount, march.Codes[0].UsageCount)
	assert.Equal(t, all.Codes[0].Status, march.Codes[0].Status)
	assert.Equal(t, 1, march.ExhaustedCodes)
}

func TestAggregate_StatusUsersOverrideNarrowedUsers(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", Quota: intPtr(4), ReferralsCount: 2, CommissionRules: standardRules()}}
	u1 := UserEvents{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
		lifecycle(EventInitialPurchase, PeriodTypeNormal, dayAt("2024-01-03")),
	}}
	u2 := UserEvents{UserID: "u2", ReferralCodeID: "c1", Events: []LifecycleEvent{
		lifecycle(EventInitialPurchase, PeriodTypeNormal, dayAt("2024-01-04")),
	}}
	schema := BuildUnionSchema(codes, nil)

	narrowed := Aggregate(codes, []UserEvents{u1}, schema, AggregateOptions{
		Now:                   aggregateNow,
		CountSignupsFromUsers: true,
		StatusUsers:           []UserEvents{u1, u2},
	})

	cs := narrowed.Codes[0]
	assert.Equal(t, 1, cs.Conversions[CategoryPurchase])
	assert.Equal(t, 4, cs.UsageCount)
	assert.Equal(t, StatusExhausted, cs.Status)
}

func TestDateRange_CheckSpan(t *testing.T) {
	now := mustDate("2024-06-15")
	ptr := func(s string) *time.Time { return timePtr(mustDate(s)) }

	tests := []struct {
		name    string
		r       DateRange
		maxDays int
		wantErr bool
	}{
		{"open range", DateRange{}, 10, false},
		{"exactly max days", DateRange{Start: ptr("2024-01-01"), End: ptr("2024-01-10")}, 10, false},
		{"one day over", DateRange{Start: ptr("2024-01-01"), End: ptr("2024-01-11")}, 10, true},
		{"start only counts to today", DateRange{Start: ptr("2024-06-01")}, 10, true},
		{"end only counts from today", DateRange{End: ptr("9999-12-31")}, 10, true},
		{"far past to far future", DateRange{Start: ptr("0001-01-01"), End: ptr("9999-12-31")}, 1830, true},
		{"disabled", DateRange{Start: ptr("0001-01-01"), End: ptr("9999-12-31")}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.CheckSpan(tt.maxDays, now, time.UTC)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAggregate_EmptyCodeIsActiveWithZeroes(t *testing.T) {
	codes := []ReferralCode{
		{ID: "busy", CommissionRules: []CommissionRule{{Event: "level_up", Rate: 2, Currency: "USD"}}},
		{ID: "idle"},
	}
	schema := BuildUnionSchema(codes, nil)

	stats := Aggregate(codes, nil, schema, AggregateOptions{Now: aggregateNow})

	require.Len(t, stats.Codes, 2)
	idle := stats.Codes[1]
	assert.Equal(t, StatusActive, idle.Status)
	assert.Equal(t, map[string]int{"level_up": 0, CategorySignup: 0}, idle.Conversions)
	assert.NotNil(t, idle.Earnings.Breakdown)
	assert.Equal(t, 0.0, idle.Earnings.Total)
	assert.Equal(t, "USD", idle.Earnings.Currency)
	assert.Equal(t, 2, stats.ActiveCodes)
	assert.Equal(t, map[string]int{"level_up": 0, CategorySignup: 0}, stats.Conversions)
}

func TestAggregate_DefaultRulesApplyToCodesWithoutRules(t *testing.T) {
	defaults := []CommissionRule{{Event: CategoryPurchase, Rate: 3, Currency: "GBP"}}
	codes := []ReferralCode{{ID: "c1"}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
		lifecycle(EventInitialPurchase, PeriodTypeNormal, dayAt("2024-05-01")),
	}}}

	stats := Aggregate(codes, users, BuildUnionSchema(codes, defaults), AggregateOptions{
		Now:          aggregateNow,
		DefaultRules: defaults,
	})

	assert.Equal(t, 3.0, stats.Codes[0].Earnings.Total)
	assert.Equal(t, "GBP", stats.TotalEarnings.Currency)
}

func TestAggregate_TotalsEqualSumOfDisplayedColumns(t *testing.T) {
	codes := []ReferralCode{
		{ID: "c1", ReferralsCount: 2, CommissionRules: []CommissionRule{
			{Event: CategoryFreeTrial, Rate: 0.335, Currency: "USD"},
			{Event: CategoryPurchase, Rate: 9.999, Currency: "USD"},
		}},
		{ID: "c2", ReferralsCount: 1, CommissionRules: []CommissionRule{
			{Event: "workout_done", Rate: 0.1, Currency: "USD"},
			{Event: CategorySignup, Rate: 0.25, Currency: "USD"},
		}},
	}
	users := []UserEvents{
		{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-01")),
			lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-01-08")),
		}},
		{UserID: "u2", ReferralCodeID: "c1", Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-02")),
			lifecycle(EventCancellation, PeriodTypeTrial, dayAt("2024-01-03")),
		}},
		{UserID: "u3", ReferralCodeID: "c2", Events: []LifecycleEvent{
			named("workout_done", dayAt("2024-01-04")),
			named("workout_done", dayAt("2024-01-05")),
		}},
	}
	schema := BuildUnionSchema(codes, nil)

	stats := Aggregate(codes, users, schema, AggregateOptions{Now: aggregateNow})

	sumColumns := 0
	for _, v := range stats.Conversions {
		sumColumns += v
	}
	assert.Equal(t, sumColumns, stats.TotalConversions)
	assert.Equal(t, 3, stats.TotalReferrals)

	sumCodes := 0.0
	for _, cs := range stats.Codes {
		codeSum := 0
		for _, v := range cs.Conversions {
			codeSum += v
		}
		assert.Equal(t, codeSum, cs.TotalConversions, cs.ID)

		breakdownSum := 0.0
		for _, v := range cs.Earnings.Breakdown {
			breakdownSum += v
		}
		assert.Equal(t, Round2(breakdownSum), cs.Earnings.Total, cs.ID)
		sumCodes += cs.Earnings.Total
	}
	assert.Equal(t, Round2(sumCodes), stats.TotalEarnings.Total)

	assert.Equal(t, 0.67, stats.TotalEarnings.Breakdown[CategoryFreeTrial])
	assert.Equal(t, 10.0, stats.TotalEarnings.Breakdown[CategoryPurchase])
	assert.Equal(t, 0.1, stats.TotalEarnings.Breakdown["workout_done"])
	assert.Equal(t, 0.25, stats.TotalEarnings.Breakdown[CategorySignup])
	assert.Equal(t, 11.02, stats.TotalEarnings.Total)
}

func TestAggregate_DuplicateUserRecordsAreMerged(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", CommissionRules: standardRules()}}
	users := []UserEvents{
		{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-01")),
		}},
		{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-02")),
		}},
		{UserID: "", ReferralCodeID: "c1", Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-02")),
		}},
	}

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{Now: aggregateNow})

	assert.Equal(t, 1, stats.Codes[0].Conversions[CategoryFreeTrial])
}

func TestAggregate_UsersOfUnknownCodesIgnored(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", CommissionRules: standardRules()}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "other", Events: []LifecycleEvent{
		lifecycle(EventInitialPurchase, PeriodTypeNormal, dayAt("2024-01-01")),
	}}}

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{Now: aggregateNow})

	assert.Equal(t, 0, stats.TotalConversions)
}

func TestAggregate_CategoriesOutsideSchemaIgnored(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", CommissionRules: []CommissionRule{{Event: CategoryPurchase, Rate: 1}}}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
		named("not_in_schema", dayAt("2024-01-01")),
		lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-01")),
	}}}

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{Now: aggregateNow})

	assert.NotContains(t, stats.Conversions, "not_in_schema")
	assert.NotContains(t, stats.Conversions, CategoryFreeTrial)
	assert.Equal(t, 0, stats.TotalConversions)
}

func TestAggregate_RangeUsesFirstOccurrence(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", ReferralsCount: 2, CommissionRules: standardRules()}}
	users := []UserEvents{
		{UserID: "u1", ReferralCodeID: "c1", ReferralCreatedAt: timePtr(dayAt("2024-01-01")), Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-01-01")),
			// first purchase is in range, later renewals are irrelevant
			lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-02-10")),
			lifecycle(EventRenewal, PeriodTypeNormal, dayAt("2024-03-10")),
		}},
		{UserID: "u2", ReferralCodeID: "c1", ReferralCreatedAt: timePtr(dayAt("2024-02-05")), Events: []LifecycleEvent{
			lifecycle(EventInitialPurchase, PeriodTypeTrial, dayAt("2024-02-05")),
		}},
	}
	start, end := mustDate("2024-02-01"), mustDate("2024-02-28")

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{
		Now:   aggregateNow,
		Range: DateRange{Start: &start, End: &end},
	})

	cs := stats.Codes[0]
	assert.Equal(t, 1, cs.Conversions[CategoryFreeTrial], "u1 trial was in January")
	assert.Equal(t, 1, cs.Conversions[CategoryPurchase])
	assert.Equal(t, 1, cs.Conversions[CategorySignup])
	assert.Equal(t, 2, cs.ReferralsCount)
	assert.Equal(t, 3, cs.TotalConversions)
}

func TestAggregate_EndDateIsInclusive(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", CommissionRules: standardRules()}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "c1", Events: []LifecycleEvent{
		lifecycle(EventInitialPurchase, PeriodTypeNormal, mustDate("2024-02-28").Add(23*time.Hour)),
	}}}
	start, end := mustDate("2024-02-01"), mustDate("2024-02-28")

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{
		Now:   aggregateNow,
		Range: DateRange{Start: &start, End: &end},
	})

	assert.Equal(t, 1, stats.Codes[0].Conversions[CategoryPurchase])
}

func TestAggregate_SignupsFromUsersWhenScoped(t *testing.T) {
	codes := []ReferralCode{{ID: "c1", ReferralsCount: 40, CommissionRules: standardRules()}}
	users := []UserEvents{{UserID: "u1", ReferralCodeID: "c1", ReferralCreatedAt: timePtr(dayAt("2024-01-01"))}}

	stats := Aggregate(codes, users, BuildUnionSchema(codes, nil), AggregateOptions{
		Now:                   aggregateNow,
		CountSignupsFromUsers: true,
	})

	assert.Equal(t, 1, stats.Codes[0].Conversions[CategorySignup])
	assert.Equal(t, 40, stats.Codes[0].UsageCount)
}

func TestAggregate_MixedCurrencyAcrossCodes(t *testing.T) {
	codes := []ReferralCode{
		{ID: "c1", CommissionRules: []CommissionRule{{Event: CategoryPurchase, Rate: 1, Currency: "USD"}}},
		{ID: "c2", CommissionRules: []CommissionRule{{Event: CategoryPurchase, Rate: 1, Currency: "EUR"}}},
	}

	stats := Aggregate(codes, nil, BuildUnionSchema(codes, nil), AggregateOptions{Now: aggregateNow})

	assert.Equal(t, "EUR", stats.TotalEarnings.Currency)
	assert.True(t, stats.TotalEarnings.MixedCurrency)
	assert.False(t, stats.Codes[0].Earnings.MixedCurrency)
}

func TestAggregate_StatusCounts(t *testing.T) {
	codes := []ReferralCode{
		{ID: "active"},
		{ID: "ended", EndDate: timePtr(mustDate("2024-01-01"))},
		{ID: "full", Quota: intPtr(1), ReferralsCount: 1},
	}

	stats := Aggregate(codes, nil, BuildUnionSchema(codes, nil), AggregateOptions{Now: aggregateNow})

	assert.Equal(t, 3, stats.TotalCodes)
	assert.Equal(t, 1, stats.ActiveCodes)
	assert.Equal(t, 1, stats.InactiveCodes)
	assert.Equal(t, 1, stats.ExhaustedCodes)
	assert.Equal(t, 1, stats.TotalReferrals)
}
