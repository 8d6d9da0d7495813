package goaffiliate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Engine computes affiliate analytics over snapshots fetched from storage
type Engine struct {
	storage Storage
	config  Config
	cache   Cache
}

// DashboardQuery narrows a dashboard view. The union schema is always built
// from the unfiltered snapshot.
type DashboardQuery struct {
	Range   DateRange
	CodeIDs []string
	UserID  string
}

// DashboardReport is everything a presentation layer needs for one view
type DashboardReport struct {
	AffiliateID string            `json:"affiliate_id"`
	Schema      *EventUnionMap    `json:"schema"`
	Stats       DashboardStats    `json:"stats"`
	TimeSeries  []TimeSeriesPoint `json:"time_series"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// NewEngine creates a new analytics engine with the given storage and configuration
func NewEngine(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		metrics, logger := config.Metrics, config.Logger
		cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("storage circuit breaker changed state", Field{Key: "state", Value: string(state)})
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}

	var cache Cache = NewNoopCache()
	if cc := config.CacheConfig; cc != nil && cc.Enabled {
		cache = NewLRUCache(cc.MaxSnapshots)
	}

	return &Engine{
		storage: storage,
		config:  config,
		cache:   cache,
	}, nil
}

// Config returns the engine configuration with defaults applied
func (e *Engine) Config() Config {
	return e.config
}

// BuildSchema builds the union schema of an unfiltered snapshot: configured
// commission rules first, then categories observed in event streams.
func (e *Engine) BuildSchema(snap *Snapshot) *EventUnionMap {
	if snap == nil {
		return NewSchemaBuilder(e.config.DefaultRules).Build()
	}
	return NewSchemaBuilder(e.config.DefaultRules).
		AddCodes(snap.Codes).
		AddObserved(snap.Users).
		Build()
}

// Aggregate computes dashboard statistics with the engine's defaults
func (e *Engine) Aggregate(codes []ReferralCode, users []UserEvents, schema *EventUnionMap, r DateRange) DashboardStats {
	start := time.Now()
	stats := Aggregate(codes, users, schema, e.aggregateOptions(r, false))
	e.config.Metrics.RecordAggregation(len(codes), len(users), time.Since(start))
	return stats
}

// TimeSeries builds a daily series with the engine's defaults
func (e *Engine) TimeSeries(users []UserEvents, schema *EventUnionMap, r DateRange) []TimeSeriesPoint {
	start := time.Now()
	points := BuildTimeSeries(users, schema, TimeSeriesOptions{
		Range:        r,
		Now:          e.config.Now(),
		Location:     e.config.Location,
		LookbackDays: e.config.DefaultLookbackDays,
		MaxDays:      e.config.MaxRangeDays,
	})
	e.config.Metrics.RecordTimeSeries(len(points), time.Since(start))
	return points
}

// Snapshot returns the affiliate's data, from cache when enabled
func (e *Engine) Snapshot(ctx context.Context, affiliateID string) (*Snapshot, error) {
	if snap, ok := e.cache.Get(affiliateID); ok {
		e.config.Metrics.RecordCacheHit()
		return snap, nil
	}
	e.config.Metrics.RecordCacheMiss()

	start := time.Now()
	snap, err := LoadSnapshot(ctx, e.storage, affiliateID)
	e.config.Metrics.RecordSnapshotFetch(time.Since(start), err)
	if err != nil {
		e.config.Logger.Error("failed to load snapshot",
			Field{Key: "affiliate_id", Value: affiliateID},
			Field{Key: "error", Value: err.Error()},
		)
		return nil, err
	}

	if cc := e.config.CacheConfig; cc != nil && cc.Enabled {
		e.cache.Set(affiliateID, snap, cc.TTL)
	}
	return snap, nil
}

// Dashboard fetches a snapshot and computes the schema, aggregates and time
// series for one view. The schema is derived before filtering so the columns
// do not depend on the query.
func (e *Engine) Dashboard(ctx context.Context, affiliateID string, q DashboardQuery) (*DashboardReport, error) {
	if err := q.Range.Validate(); err != nil {
		return nil, err
	}
	if err := q.Range.CheckSpan(e.config.MaxRangeDays, e.config.Now(), e.config.Location); err != nil {
		return nil, err
	}

	snap, err := e.Snapshot(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	schema := e.BuildSchema(snap)
	view := snap.Filter(q.CodeIDs, q.UserID)

	start := time.Now()
	opts := e.aggregateOptions(q.Range, q.UserID != "")
	opts.StatusUsers = snap.Users
	stats := Aggregate(view.Codes, view.Users, schema, opts)
	e.config.Metrics.RecordAggregation(len(view.Codes), len(view.Users), time.Since(start))

	return &DashboardReport{
		AffiliateID: affiliateID,
		Schema:      schema,
		Stats:       stats,
		TimeSeries:  e.TimeSeries(view.Users, schema, q.Range),
		GeneratedAt: e.config.Now().UTC(),
	}, nil
}

// Schema returns the union schema of an affiliate's unfiltered data
func (e *Engine) Schema(ctx context.Context, affiliateID string) (*EventUnionMap, error) {
	snap, err := e.Snapshot(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	return e.BuildSchema(snap), nil
}

// SaveReferralCode validates and stores a code, then drops the owner's cached snapshot
func (e *Engine) SaveReferralCode(ctx context.Context, code *ReferralCode) error {
	if err := ValidateReferralCode(code); err != nil {
		return err
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = e.config.Now().UTC()
	}
	if err := e.storage.SaveReferralCode(ctx, code); err != nil {
		return fmt.Errorf("save referral code: %w", err)
	}
	e.cache.Invalidate(code.AffiliateID)
	return nil
}

// RecordSignup attributes a user to a referral code
func (e *Engine) RecordSignup(ctx context.Context, codeID, userID string, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidEvent)
	}
	code, err := e.storage.GetReferralCode(ctx, codeID)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = e.config.Now()
	}
	if err := e.storage.RecordSignup(ctx, codeID, userID, at.UTC()); err != nil {
		return fmt.Errorf("record signup: %w", err)
	}
	e.cache.Invalidate(code.AffiliateID)
	return nil
}

// AppendEvent stores one lifecycle event for a user. Cached snapshots are not
// invalidated since the owning affiliate is not known here; they expire with
// the cache TTL.
func (e *Engine) AppendEvent(ctx context.Context, userID string, ev LifecycleEvent) error {
	if err := ValidateEvent(userID, ev); err != nil {
		return err
	}
	ev.UserID = userID
	if err := e.storage.AppendEvent(ctx, userID, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReferralCode returns a code by ID
func (e *Engine) ReferralCode(ctx context.Context, codeID string) (*ReferralCode, error) {
	return e.storage.GetReferralCode(ctx, codeID)
}

// AuthorizeCodes checks that every code in codeIDs belongs to affiliateID.
// It returns ErrCodeNotFound or ErrCodeNotOwned for the first code that fails.
func (e *Engine) AuthorizeCodes(ctx context.Context, affiliateID string, codeIDs []string) error {
	for _, id := range codeIDs {
		code, err := e.storage.GetReferralCode(ctx, id)
		if err != nil {
			return err
		}
		if code.AffiliateID != affiliateID {
			return fmt.Errorf("%w: %s", ErrCodeNotOwned, id)
		}
	}
	return nil
}

// Invalidate drops an affiliate's cached snapshot
func (e *Engine) Invalidate(affiliateID string) {
	e.cache.Invalidate(affiliateID)
}

// CacheStats returns snapshot cache statistics
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

func (e *Engine) aggregateOptions(r DateRange, userScoped bool) AggregateOptions {
	return AggregateOptions{
		Range:                 r,
		Now:                   e.config.Now(),
		DefaultRules:          e.config.DefaultRules,
		DefaultCurrency:       e.config.DefaultCurrency,
		Location:              e.config.Location,
		CountSignupsFromUsers: userScoped,
		Logger:                e.config.Logger,
		Metrics:               e.config.Metrics,
	}
}

// ValidateEvent checks that an event can be stored for userID
func ValidateEvent(userID string, ev LifecycleEvent) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	if ev.Kind != KindLifecycle && ev.Kind != KindNamed {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	return nil
}
