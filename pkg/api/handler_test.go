package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
	"github.com/mihaimyh/goaffiliate/storage/memory"
)

const (
	testAffiliateID = "aff_1"
	affiliateHeader = "X-Affiliate-ID"
)

var (
	testNow     = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	testCreated = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

// newTestEngine seeds two codes with one trial and one purchase
func newTestEngine(t *testing.T) *goaffiliate.Engine {
	t.Helper()
	ctx := context.Background()
	engine, err := goaffiliate.NewEngine(memory.New(), goaffiliate.Config{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)

	rules := []goaffiliate.CommissionRule{
		{Event: goaffiliate.CategoryFreeTrial, Rate: 1, Currency: "USD"},
		{Event: goaffiliate.CategoryPurchase, Rate: 5, Currency: "USD"},
	}
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, engine.SaveReferralCode(ctx, &goaffiliate.ReferralCode{
			ID: id, AffiliateID: testAffiliateID, Code: strings.ToUpper(id), CreatedAt: testCreated, CommissionRules: rules,
		}))
	}
	require.NoError(t, engine.RecordSignup(ctx, "c1", "u1", testCreated.Add(time.Hour)))
	require.NoError(t, engine.RecordSignup(ctx, "c2", "u2", testCreated.Add(time.Hour)))

	require.NoError(t, engine.AppendEvent(ctx, "u1", goaffiliate.LifecycleEvent{
		ID: "e1", Kind: goaffiliate.KindLifecycle, Type: goaffiliate.EventInitialPurchase,
		PeriodType: goaffiliate.PeriodTypeTrial, Timestamp: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, engine.AppendEvent(ctx, "u2", goaffiliate.LifecycleEvent{
		ID: "e2", Kind: goaffiliate.KindLifecycle, Type: goaffiliate.EventInitialPurchase,
		PeriodType: goaffiliate.PeriodTypeNormal, Timestamp: time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
	}))
	return engine
}

func newTestHandler(t *testing.T, engine *goaffiliate.Engine) (*Handler, *http.ServeMux) {
	t.Helper()
	handler, err := NewHandler(Config{Engine: engine, GetAffiliateID: FromHeader(affiliateHeader)})
	require.NoError(t, err)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, "/api/")
	return handler, mux
}

func doRequest(mux http.Handler, method, target, body string, affiliate bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if affiliate {
		req.Header.Set(affiliateHeader, testAffiliateID)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{GetAffiliateID: FromHeader(affiliateHeader)})
	assert.ErrorContains(t, err, "engine is required")

	engine, err := goaffiliate.NewEngine(memory.New(), goaffiliate.Config{})
	require.NoError(t, err)
	_, err = NewHandler(Config{Engine: engine})
	assert.ErrorContains(t, err, "getAffiliateID is required")

	_, err = NewHandler(Config{Engine: engine, GetAffiliateID: FromHeader(affiliateHeader), MaxBodyBytes: -1})
	assert.Error(t, err)

	handler, err := NewHandler(Config{Engine: engine, GetAffiliateID: FromHeader(affiliateHeader)})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxBodyBytes), handler.config.MaxBodyBytes)
}

func TestHandler_GetDashboard(t *testing.T) {
	_, mux := newTestHandler(t, newTestEngine(t))

	w := doRequest(mux, http.MethodGet, "/api/dashboard", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var report goaffiliate.DashboardReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, testAffiliateID, report.AffiliateID)
	assert.Equal(t, []string{goaffiliate.CategoryFreeTrial, goaffiliate.CategoryPurchase}, report.Schema.Names())
	assert.Equal(t, 2, report.Stats.TotalCodes)
	assert.Equal(t, 1, report.Stats.Conversions[goaffiliate.CategoryFreeTrial])
	assert.Equal(t, 1, report.Stats.Conversions[goaffiliate.CategoryPurchase])
	assert.Equal(t, 6.0, report.Stats.TotalEarnings.Total)
	assert.Equal(t, testNow, report.GeneratedAt)
}

func TestHandler_GetDashboard_Filters(t *testing.T) {
	_, mux := newTestHandler(t, newTestEngine(t))

	t.Run("date range", func(t *testing.T) {
		w := doRequest(mux, http.MethodGet, "/api/dashboard?start=2024-03-05&end=2024-03-31", "", true)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var report goaffiliate.DashboardReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, 0, report.Stats.Conversions[goaffiliate.CategoryFreeTrial])
		assert.Equal(t, 1, report.Stats.Conversions[goaffiliate.CategoryPurchase])
	})

	t.Run("code filter keeps schema", func(t *testing.T) {
		w := doRequest(mux, http.MethodGet, "/api/dashboard?code=c1", "", true)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var report goaffiliate.DashboardReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, 1, report.Stats.TotalCodes)
		assert.Equal(t, 2, report.Schema.Len())
		assert.Equal(t, 0, report.Stats.Conversions[goaffiliate.CategoryPurchase])
	})

	t.Run("user filter", func(t *testing.T) {
		w := doRequest(mux, http.MethodGet, "/api/dashboard?user=u2", "", true)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var report goaffiliate.DashboardReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, 0, report.Stats.Conversions[goaffiliate.CategoryFreeTrial])
		assert.Equal(t, 1, report.Stats.Conversions[goaffiliate.CategoryPurchase])
	})

	t.Run("invalid date", func(t *testing.T) {
		w := doRequest(mux, http.MethodGet, "/api/dashboard?start=yesterday", "", true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("inverted range", func(t *testing.T) {
		w := doRequest(mux, http.MethodGet, "/api/dashboard?start=2024-03-10&end=2024-03-01", "", true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("range too long", func(t *testing.T) {
		for _, target := range []string{
			"/api/dashboard?start=0001-01-01&end=9999-12-31",
			"/api/timeseries?start=0001-01-01",
			"/api/timeseries?end=9999-12-31",
		} {
			w := doRequest(mux, http.MethodGet, target, "", true)
			assert.Equal(t, http.StatusBadRequest, w.Code, target)
		}
	})
}

func TestHandler_ParseQuery(t *testing.T) {
	handler, _ := newTestHandler(t, newTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard?code=c1,%20c2&code=c3&user=%20u1%20&end=2024-03-31T10:00:00Z", http.NoBody)
	q, err := handler.parseQuery(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, q.CodeIDs)
	assert.Equal(t, "u1", q.UserID)
	assert.Nil(t, q.Range.Start)
	require.NotNil(t, q.Range.End)
	assert.True(t, q.Range.End.Equal(time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC)))
}

func TestHandler_GetTimeSeries(t *testing.T) {
	_, mux := newTestHandler(t, newTestEngine(t))

	w := doRequest(mux, http.MethodGet, "/api/timeseries?start=2024-03-01&end=2024-03-03", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TimeSeriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Points, 3)
	assert.Equal(t, "2024-03-01", resp.Points[0].Date)
	assert.Equal(t, 1, resp.Points[1].EventCounts[goaffiliate.CategoryFreeTrial])
	assert.Equal(t, 0, resp.Points[2].EventCounts[goaffiliate.CategoryFreeTrial])
}

func TestHandler_GetSchema(t *testing.T) {
	_, mux := newTestHandler(t, newTestEngine(t))

	w := doRequest(mux, http.MethodGet, "/api/schema", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		AffiliateID string                        `json:"affiliate_id"`
		Events      []goaffiliate.EventDescriptor `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "Free Trial", resp.Events[0].DisplayName)
	assert.True(t, resp.Events[1].IsPurchaseType)
}

func TestHandler_MissingAffiliate(t *testing.T) {
	_, mux := newTestHandler(t, newTestEngine(t))

	for _, path := range []string{"/api/dashboard", "/api/timeseries", "/api/schema"} {
		w := doRequest(mux, http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", http.NoBody)
	req.Header.Set(affiliateHeader, strings.Repeat("a", maxAffiliateIDLen+1))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_PostEvent(t *testing.T) {
	engine := newTestEngine(t)
	_, mux := newTestHandler(t, engine)

	body := `{"id":"e3","user_id":"u1","commission_event_name":"level_up","timestamp_ms":1710000000000}`
	w := doRequest(mux, http.MethodPost, "/api/events", body, false)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp AcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "e3", resp.ID)

	snap, err := engine.Snapshot(context.Background(), testAffiliateID)
	require.NoError(t, err)
	var found bool
	for _, u := range snap.Users {
		for _, ev := range u.Events {
			if ev.ID == "e3" {
				found = true
				assert.Equal(t, goaffiliate.KindNamed, ev.Kind)
				assert.Equal(t, "level_up", ev.Type)
			}
		}
	}
	assert.True(t, found, "posted event should be stored")
}

func TestHandler_PostEvent_Invalid(t *testing.T) {
	_, mux := newTestHandler(t, newTestEngine(t))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", http.StatusBadRequest},
		{"malformed", "{", http.StatusBadRequest},
		{"missing timestamp", `{"user_id":"u1","commission_event_name":"x"}`, http.StatusBadRequest},
		{"missing user", `{"commission_event_name":"x","timestamp_ms":1710000000000}`, http.StatusBadRequest},
		{"too large", `{"pad":"` + strings.Repeat("x", defaultMaxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(mux, http.MethodPost, "/api/events", tt.body, false)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_PostSignup(t *testing.T) {
	engine := newTestEngine(t)
	_, mux := newTestHandler(t, engine)

	w := doRequest(mux, http.MethodPost, "/api/signups", `{"code_id":"c1","user_id":"u9"}`, false)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	report, err := engine.Dashboard(context.Background(), testAffiliateID, goaffiliate.DashboardQuery{CodeIDs: []string{"c1"}})
	require.NoError(t, err)
	require.Len(t, report.Stats.Codes, 1)
	assert.Equal(t, 2, report.Stats.Codes[0].ReferralsCount)

	w = doRequest(mux, http.MethodPost, "/api/signups", `{"code_id":"missing","user_id":"u10"}`, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(mux, http.MethodPost, "/api/signups", `{"user_id":"u10"}`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(mux, http.MethodPost, "/api/signups", `{"code_id":"c1"}`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// failingStorage fails every read
type failingStorage struct {
	*memory.Storage
	err error
}

func (f *failingStorage) ListReferralCodes(context.Context, string) ([]goaffiliate.ReferralCode, error) {
	return nil, f.err
}

func (f *failingStorage) ListUserEvents(context.Context, string) ([]goaffiliate.UserEvents, error) {
	return nil, f.err
}

func TestHandler_StorageErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unavailable", goaffiliate.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{"circuit open", goaffiliate.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := goaffiliate.NewEngine(&failingStorage{Storage: memory.New(), err: tt.err}, goaffiliate.Config{})
			require.NoError(t, err)
			_, mux := newTestHandler(t, engine)

			w := doRequest(mux, http.MethodGet, "/api/dashboard", "", true)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "boom")
			}
		})
	}
}

func TestHandler_CustomOnError(t *testing.T) {
	engine := newTestEngine(t)
	var captured error
	handler, err := NewHandler(Config{
		Engine:         engine,
		GetAffiliateID: FromHeader(affiliateHeader),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handler.GetDashboard(w, httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.ErrorContains(t, captured, "affiliate ID not found")
}

type ctxKey struct{}

func TestFromContext(t *testing.T) {
	get := FromContext(ctxKey{})
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Equal(t, "", get(req))

	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testAffiliateID))
	assert.Equal(t, testAffiliateID, get(req))
}

func TestFromAuthContext(t *testing.T) {
	get := FromAuthContext()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Equal(t, "", get(req))

	req = req.WithContext(goaffiliate.WithAffiliateID(req.Context(), testAffiliateID))
	assert.Equal(t, testAffiliateID, get(req))
}
