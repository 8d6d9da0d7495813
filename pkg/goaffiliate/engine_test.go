package goaffiliate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
	"github.com/mihaimyh/goaffiliate/storage/memory"
)

var engineNow = time.Date(2024, 1, 20, 15, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 9, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T, config goaffiliate.Config) (*goaffiliate.Engine, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	if config.Now == nil {
		config.Now = func() time.Time { return engineNow }
	}
	engine, err := goaffiliate.NewEngine(storage, config)
	require.NoError(t, err)
	return engine, storage
}

func seedAffiliate(t *testing.T, engine *goaffiliate.Engine) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, engine.SaveReferralCode(ctx, &goaffiliate.ReferralCode{
		ID: "c1", AffiliateID: "aff_1", Code: "ALPHA", CreatedAt: day(1),
		CommissionRules: []goaffiliate.CommissionRule{
			{Event: goaffiliate.CategoryFreeTrial, Rate: 1, Currency: "USD"},
			{Event: goaffiliate.CategoryPurchase, Rate: 10, Currency: "USD"},
		},
	}))
	require.NoError(t, engine.SaveReferralCode(ctx, &goaffiliate.ReferralCode{
		ID: "c2", AffiliateID: "aff_1", Code: "BETA", CreatedAt: day(2),
		CommissionRules: []goaffiliate.CommissionRule{
			{Event: "workout_logged", Rate: 0.5, Currency: "USD", DisplayName: "Workout"},
		},
	}))

	require.NoError(t, engine.RecordSignup(ctx, "c1", "u1", day(3)))
	require.NoError(t, engine.RecordSignup(ctx, "c1", "u2", day(4)))
	require.NoError(t, engine.RecordSignup(ctx, "c2", "u3", day(5)))

	events := []struct {
		user string
		ev   goaffiliate.LifecycleEvent
	}{
		{"u1", goaffiliate.LifecycleEvent{ID: "e1", Kind: goaffiliate.KindLifecycle, Type: goaffiliate.EventInitialPurchase,
			PeriodType: goaffiliate.PeriodTypeTrial, Timestamp: day(3)}},
		{"u1", goaffiliate.LifecycleEvent{ID: "e2", Kind: goaffiliate.KindLifecycle, Type: goaffiliate.EventRenewal,
			PeriodType: goaffiliate.PeriodTypeNormal, Timestamp: day(10)}},
		{"u1", goaffiliate.LifecycleEvent{ID: "e3", Kind: goaffiliate.KindLifecycle, Type: goaffiliate.EventRenewal,
			PeriodType: goaffiliate.PeriodTypeNormal, Timestamp: day(17)}},
		{"u2", goaffiliate.LifecycleEvent{ID: "e4", Kind: goaffiliate.KindLifecycle, Type: goaffiliate.EventInitialPurchase,
			PeriodType: goaffiliate.PeriodTypeTrial, Timestamp: day(4)}},
		{"u2", goaffiliate.LifecycleEvent{ID: "e5", Kind: goaffiliate.KindLifecycle, Type: goaffiliate.EventCancellation,
			PeriodType: goaffiliate.PeriodTypeTrial, Timestamp: day(6)}},
		{"u3", goaffiliate.LifecycleEvent{ID: "e6", Kind: goaffiliate.KindNamed, Type: "workout_logged", Timestamp: day(5)}},
		{"u3", goaffiliate.LifecycleEvent{ID: "e7", Kind: goaffiliate.KindNamed, Type: "workout_logged", Timestamp: day(6)}},
	}
	for _, e := range events {
		require.NoError(t, engine.AppendEvent(ctx, e.user, e.ev))
	}
}

func TestNewEngine(t *testing.T) {
	_, err := goaffiliate.NewEngine(nil, goaffiliate.Config{})
	assert.ErrorIs(t, err, goaffiliate.ErrStorageUnavailable)

	_, err = goaffiliate.NewEngine(memory.New(), goaffiliate.Config{
		DefaultRules: []goaffiliate.CommissionRule{{Event: "purchase", Rate: -1}},
	})
	assert.ErrorIs(t, err, goaffiliate.ErrNegativeRate)

	engine, err := goaffiliate.NewEngine(memory.New(), goaffiliate.Config{})
	require.NoError(t, err)
	config := engine.Config()
	assert.Equal(t, "USD", config.DefaultCurrency)
	assert.Equal(t, 30, config.DefaultLookbackDays)
	assert.Equal(t, time.UTC, config.Location)
	assert.Equal(t, 1830, config.MaxRangeDays)
	assert.NotNil(t, config.Logger)
	assert.NotNil(t, config.Metrics)
}

func TestEngine_Dashboard(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})
	seedAffiliate(t, engine)

	report, err := engine.Dashboard(context.Background(), "aff_1", goaffiliate.DashboardQuery{})
	require.NoError(t, err)

	assert.Equal(t, []string{"free_trial", "purchase", "workout_logged"}, report.Schema.Names())

	stats := report.Stats
	assert.Equal(t, 2, stats.TotalCodes)
	assert.Equal(t, 2, stats.ActiveCodes)
	assert.Equal(t, 3, stats.TotalReferrals)
	assert.Equal(t, map[string]int{
		"free_trial":     2,
		"purchase":       1,
		"workout_logged": 1,
		"signup":         3,
	}, stats.Conversions)
	assert.Equal(t, 7, stats.TotalConversions)
	assert.Equal(t, 12.5, stats.TotalEarnings.Total)
	assert.Equal(t, "USD", stats.TotalEarnings.Currency)

	require.Len(t, stats.Codes, 2)
	assert.Equal(t, "ALPHA", stats.Codes[0].Code)
	assert.Equal(t, 12.0, stats.Codes[0].Earnings.Total)
	assert.Equal(t, 0.5, stats.Codes[1].Earnings.Total)

	// Data starts on Jan 3 and the series runs to "today"
	require.Len(t, report.TimeSeries, 18)
	assert.Equal(t, "2024-01-03", report.TimeSeries[0].Date)
	assert.Equal(t, "2024-01-20", report.TimeSeries[17].Date)

	series := make(map[string]int)
	for _, p := range report.TimeSeries {
		for k, v := range p.EventCounts {
			series[k] += v
		}
	}
	assert.Equal(t, stats.Conversions, series)
}

func TestEngine_DashboardFiltersKeepSchema(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})
	seedAffiliate(t, engine)
	ctx := context.Background()

	full, err := engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{})
	require.NoError(t, err)

	byCode, err := engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{CodeIDs: []string{"c2"}})
	require.NoError(t, err)
	assert.Equal(t, full.Schema.Names(), byCode.Schema.Names())
	assert.Equal(t, 1, byCode.Stats.TotalCodes)
	assert.Equal(t, 0, byCode.Stats.Conversions["free_trial"])
	assert.Contains(t, byCode.Stats.Conversions, "purchase")

	byUser, err := engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, full.Schema.Names(), byUser.Schema.Names())
	require.Len(t, byUser.Stats.Codes, 1)
	assert.Equal(t, 1, byUser.Stats.Conversions["signup"], "only the drilled-down user's signup")
	assert.Equal(t, 1, byUser.Stats.Conversions["free_trial"])
	assert.Equal(t, 1.0, byUser.Stats.TotalEarnings.Total)
}

func TestEngine_DashboardRange(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})
	seedAffiliate(t, engine)

	start, end := day(5), day(12)
	report, err := engine.Dashboard(context.Background(), "aff_1", goaffiliate.DashboardQuery{
		Range: goaffiliate.DateRange{Start: &start, End: &end},
	})
	require.NoError(t, err)

	assert.Len(t, report.TimeSeries, 8)
	assert.Equal(t, map[string]int{
		"free_trial":     0,
		"purchase":       1,
		"workout_logged": 1,
		"signup":         1,
	}, report.Stats.Conversions)

	_, err = engine.Dashboard(context.Background(), "aff_1", goaffiliate.DashboardQuery{
		Range: goaffiliate.DateRange{Start: &end, End: &start},
	})
	assert.ErrorIs(t, err, goaffiliate.ErrInvalidRange)
}

func TestEngine_DashboardRejectsOversizedRange(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{MaxRangeDays: 31})
	seedAffiliate(t, engine)
	ctx := context.Background()

	start, end := day(1), day(31)
	report, err := engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{
		Range: goaffiliate.DateRange{Start: &start, End: &end},
	})
	require.NoError(t, err)
	assert.Len(t, report.TimeSeries, 31)

	end = day(32)
	_, err = engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{
		Range: goaffiliate.DateRange{Start: &start, End: &end},
	})
	assert.ErrorIs(t, err, goaffiliate.ErrInvalidRange)

	far := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{
		Range: goaffiliate.DateRange{Start: &far},
	})
	assert.ErrorIs(t, err, goaffiliate.ErrInvalidRange)
}

func TestEngine_DashboardStatusIndependentOfFilters(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})
	ctx := context.Background()
	quota := 3

	require.NoError(t, engine.SaveReferralCode(ctx, &goaffiliate.ReferralCode{
		ID: "q1", AffiliateID: "aff_q", Code: "CAPPED", CreatedAt: day(1), Quota: &quota,
		CommissionRules: []goaffiliate.CommissionRule{
			{Event: goaffiliate.CategoryFreeTrial, Rate: 1, Currency: "USD"},
			{Event: goaffiliate.CategoryPurchase, Rate: 10, Currency: "USD"},
		},
	}))
	require.NoError(t, engine.RecordSignup(ctx, "q1", "u1", day(2)))
	require.NoError(t, engine.RecordSignup(ctx, "q1", "u2", day(2)))
	require.NoError(t, engine.AppendEvent(ctx, "u1", goaffiliate.LifecycleEvent{ID: "t1", Kind: goaffiliate.KindLifecycle,
		Type: goaffiliate.EventInitialPurchase, PeriodType: goaffiliate.PeriodTypeTrial, Timestamp: day(3)}))
	require.NoError(t, engine.AppendEvent(ctx, "u1", goaffiliate.LifecycleEvent{ID: "r1", Kind: goaffiliate.KindLifecycle,
		Type: goaffiliate.EventRenewal, PeriodType: goaffiliate.PeriodTypeNormal, Timestamp: day(10)}))

	full, err := engine.Dashboard(ctx, "aff_q", goaffiliate.DashboardQuery{})
	require.NoError(t, err)
	require.Len(t, full.Stats.Codes, 1)
	assert.Equal(t, goaffiliate.StatusExhausted, full.Stats.Codes[0].Status)
	assert.Equal(t, 4, full.Stats.Codes[0].UsageCount)

	start, end := day(15), day(18)
	ranged, err := engine.Dashboard(ctx, "aff_q", goaffiliate.DashboardQuery{
		Range: goaffiliate.DateRange{Start: &start, End: &end},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, ranged.Stats.TotalConversions)
	assert.Equal(t, full.Stats.Codes[0].Status, ranged.Stats.Codes[0].Status)
	assert.Equal(t, full.Stats.ExhaustedCodes, ranged.Stats.ExhaustedCodes)

	byUser, err := engine.Dashboard(ctx, "aff_q", goaffiliate.DashboardQuery{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, byUser.Stats.Codes, 1)
	assert.Equal(t, goaffiliate.StatusExhausted, byUser.Stats.Codes[0].Status)
}

func TestEngine_UnknownAffiliateIsEmpty(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})

	report, err := engine.Dashboard(context.Background(), "nobody", goaffiliate.DashboardQuery{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stats.TotalCodes)
	assert.NotNil(t, report.Stats.Codes)
	assert.Len(t, report.TimeSeries, 31)
}

func TestEngine_WriteValidation(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})
	ctx := context.Background()

	err := engine.SaveReferralCode(ctx, &goaffiliate.ReferralCode{
		ID: "c1", AffiliateID: "a", Code: "X",
		CommissionRules: []goaffiliate.CommissionRule{
			{Event: "purchase", Rate: 1, Currency: "USD"},
			{Event: "free_trial", Rate: 1, Currency: "EUR"},
		},
	})
	assert.ErrorIs(t, err, goaffiliate.ErrMixedCurrency)

	assert.ErrorIs(t, engine.RecordSignup(ctx, "missing", "u1", day(1)), goaffiliate.ErrCodeNotFound)
	assert.ErrorIs(t, engine.RecordSignup(ctx, "missing", " ", day(1)), goaffiliate.ErrInvalidEvent)

	assert.ErrorIs(t, engine.AppendEvent(ctx, "u1", goaffiliate.LifecycleEvent{Kind: goaffiliate.KindNamed, Type: "x"}),
		goaffiliate.ErrInvalidEvent)
	assert.ErrorIs(t, engine.AppendEvent(ctx, "", goaffiliate.LifecycleEvent{Kind: goaffiliate.KindNamed, Type: "x", Timestamp: day(1)}),
		goaffiliate.ErrInvalidEvent)
	assert.ErrorIs(t, engine.AppendEvent(ctx, "u1", goaffiliate.LifecycleEvent{Type: "x", Timestamp: day(1)}),
		goaffiliate.ErrInvalidEvent)
}

type countingMetrics struct {
	goaffiliate.NoopMetrics
	mu           sync.Mutex
	hits, misses int
	fetchErrors  int
	states       []string
}

func (m *countingMetrics) RecordCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *countingMetrics) RecordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *countingMetrics) RecordSnapshotFetch(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.fetchErrors++
	}
}

func (m *countingMetrics) RecordCircuitBreakerStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func TestEngine_SnapshotCache(t *testing.T) {
	metrics := &countingMetrics{}
	engine, _ := newTestEngine(t, goaffiliate.Config{
		Metrics:     metrics,
		CacheConfig: &goaffiliate.CacheConfig{Enabled: true, TTL: time.Hour},
	})
	seedAffiliate(t, engine)
	ctx := context.Background()

	_, err := engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{})
	require.NoError(t, err)
	_, err = engine.Schema(ctx, "aff_1")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.misses)
	assert.Equal(t, 1, metrics.hits)

	// Writes through the engine drop the cached snapshot
	require.NoError(t, engine.RecordSignup(ctx, "c2", "u9", day(8)))
	report, err := engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Stats.TotalReferrals)
	assert.Equal(t, 2, metrics.misses)

	stats := engine.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

type failingStorage struct {
	*memory.Storage
	err error
}

func (s *failingStorage) ListReferralCodes(_ context.Context, _ string) ([]goaffiliate.ReferralCode, error) {
	return nil, s.err
}

func (s *failingStorage) ListUserEvents(_ context.Context, _ string) ([]goaffiliate.UserEvents, error) {
	return nil, s.err
}

func TestEngine_CircuitBreaker(t *testing.T) {
	metrics := &countingMetrics{}
	storage := &failingStorage{Storage: memory.New(), err: errors.New("connection reset")}
	engine, err := goaffiliate.NewEngine(storage, goaffiliate.Config{
		Metrics: metrics,
		CircuitBreakerConfig: &goaffiliate.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err = engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{})
		assert.Error(t, err)
	}

	_, err = engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{})
	assert.ErrorIs(t, err, goaffiliate.ErrCircuitOpen)
	assert.Equal(t, 3, metrics.fetchErrors)
	assert.Contains(t, metrics.states, "open")
}

func TestEngine_ConcurrentDashboards(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})
	seedAffiliate(t, engine)
	ctx := context.Background()

	want, err := engine.Dashboard(ctx, "aff_1", goaffiliate.DashboardQuery{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := goaffiliate.DashboardQuery{}
			if i%2 == 0 {
				q.UserID = "u1"
			}
			report, err := engine.Dashboard(ctx, "aff_1", q)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, want.Schema.Names(), report.Schema.Names())
		}(i)
	}
	wg.Wait()
}

func TestEngine_AuthorizeCodes(t *testing.T) {
	engine, _ := newTestEngine(t, goaffiliate.Config{})
	seedAffiliate(t, engine)
	ctx := context.Background()
	require.NoError(t, engine.SaveReferralCode(ctx, &goaffiliate.ReferralCode{ID: "c9", AffiliateID: "aff_2", Code: "OTHER"}))

	assert.NoError(t, engine.AuthorizeCodes(ctx, "aff_1", nil))
	assert.NoError(t, engine.AuthorizeCodes(ctx, "aff_1", []string{"c1", "c2"}))
	assert.ErrorIs(t, engine.AuthorizeCodes(ctx, "aff_1", []string{"c1", "c9"}), goaffiliate.ErrCodeNotOwned)
	assert.ErrorIs(t, engine.AuthorizeCodes(ctx, "aff_1", []string{"missing"}), goaffiliate.ErrCodeNotFound)

	code, err := engine.ReferralCode(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, "aff_2", code.AffiliateID)
}

func TestAffiliateIDContext(t *testing.T) {
	_, ok := goaffiliate.AffiliateIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = goaffiliate.AffiliateIDFromContext(goaffiliate.WithAffiliateID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := goaffiliate.AffiliateIDFromContext(goaffiliate.WithAffiliateID(context.Background(), "aff_1"))
	assert.True(t, ok)
	assert.Equal(t, "aff_1", id)
}
