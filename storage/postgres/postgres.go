// Package postgres provides a PostgreSQL implementation of the goaffiliate.Storage interface.
// Event streams are stored as JSONB payloads and aggregated per user with json_agg,
// so a user's events arrive as one serialized list.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// Schema creates the tables used by Storage. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS referral_codes (
	id               TEXT PRIMARY KEY,
	affiliate_id     TEXT NOT NULL,
	code             TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	start_date       TIMESTAMPTZ,
	end_date         TIMESTAMPTZ,
	quota            INTEGER,
	commission_rules JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS referral_codes_affiliate_idx ON referral_codes (affiliate_id, created_at, id);

CREATE TABLE IF NOT EXISTS referral_signups (
	user_id    TEXT PRIMARY KEY,
	code_id    TEXT NOT NULL REFERENCES referral_codes (id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS referral_signups_code_idx ON referral_signups (code_id);

CREATE TABLE IF NOT EXISTS user_events (
	seq         BIGSERIAL PRIMARY KEY,
	user_id     TEXT NOT NULL,
	event_id    TEXT,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS user_events_dedupe_idx ON user_events (user_id, event_id) WHERE event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS user_events_user_idx ON user_events (user_id, occurred_at);
`

// Storage implements goaffiliate.Storage using PostgreSQL
type Storage struct {
	pool    *pgxpool.Pool
	config  Config
	decoder *goaffiliate.Decoder

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate runs Schema on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // Events older than this are deleted (0 = keep forever)

	// Logger receives cleanup and event list parse failures (default: NoopLogger)
	Logger goaffiliate.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  false,
		CleanupInterval: 1 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &goaffiliate.NoopLogger{}
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if _, err := pool.Exec(ctx, Schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	// Create context for background cleanup worker
	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		decoder:     goaffiliate.NewDecoder(config.Logger, nil),
		stopCleanup: cancel,
	}

	// Start cleanup goroutine if enabled
	if config.CleanupEnabled && config.EventRetention > 0 && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup() // Stop the background cleanup routine
	}
	if s.pool != nil {
		s.pool.Close() // Close PG connection pool
	}
}

const selectCode = `
	SELECT c.id, c.affiliate_id, c.code, c.created_at, c.start_date, c.end_date, c.quota,
		c.commission_rules,
		(SELECT COUNT(*) FROM referral_signups s WHERE s.code_id = c.id)
	FROM referral_codes c`

func scanCode(row pgx.Row) (goaffiliate.ReferralCode, error) {
	var (
		code      goaffiliate.ReferralCode
		rules     []byte
		referrals int64
	)
	err := row.Scan(&code.ID, &code.AffiliateID, &code.Code, &code.CreatedAt,
		&code.StartDate, &code.EndDate, &code.Quota, &rules, &referrals)
	if err != nil {
		return code, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &code.CommissionRules); err != nil {
			return code, fmt.Errorf("failed to unmarshal commission rules: %w", err)
		}
	}
	code.CreatedAt = code.CreatedAt.UTC()
	code.ReferralsCount = int(referrals)
	return code, nil
}

// GetReferralCode implements goaffiliate.Storage
func (s *Storage) GetReferralCode(ctx context.Context, codeID string) (*goaffiliate.ReferralCode, error) {
	code, err := scanCode(s.pool.QueryRow(ctx, selectCode+` WHERE c.id = $1`, codeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goaffiliate.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral code: %w", err)
	}
	return &code, nil
}

// ListReferralCodes implements goaffiliate.Storage
func (s *Storage) ListReferralCodes(ctx context.Context, affiliateID string) ([]goaffiliate.ReferralCode, error) {
	rows, err := s.pool.Query(ctx,
		selectCode+` WHERE c.affiliate_id = $1 ORDER BY c.created_at, c.id`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list referral codes: %w", err)
	}
	defer rows.Close()

	codes := make([]goaffiliate.ReferralCode, 0)
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list referral codes: %w", err)
	}
	return codes, nil
}

// ListUserEvents implements goaffiliate.Storage
func (s *Storage) ListUserEvents(ctx context.Context, affiliateID string) ([]goaffiliate.UserEvents, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.user_id, s.code_id, s.created_at,
			COALESCE(json_agg(e.payload ORDER BY e.occurred_at, e.seq)
				FILTER (WHERE e.payload IS NOT NULL), '[]'::json)
		FROM referral_signups s
		JOIN referral_codes c ON c.id = s.code_id
		LEFT JOIN user_events e ON e.user_id = s.user_id
		WHERE c.affiliate_id = $1
		GROUP BY s.user_id, s.code_id, s.created_at
		ORDER BY s.code_id, s.user_id`,
		affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user events: %w", err)
	}
	defer rows.Close()

	users := make([]goaffiliate.UserEvents, 0)
	for rows.Next() {
		var (
			u         goaffiliate.UserEvents
			createdAt time.Time
			raw       []byte
		)
		if err := rows.Scan(&u.UserID, &u.ReferralCodeID, &createdAt, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan user events: %w", err)
		}
		createdAt = createdAt.UTC()
		u.ReferralCreatedAt = &createdAt
		u.Events = s.decoder.DecodeList(raw)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list user events: %w", err)
	}
	return users, nil
}

// SaveReferralCode implements goaffiliate.Storage
func (s *Storage) SaveReferralCode(ctx context.Context, code *goaffiliate.ReferralCode) error {
	if code == nil || code.ID == "" {
		return goaffiliate.ErrInvalidCode
	}

	rules := code.CommissionRules
	if rules == nil {
		rules = []goaffiliate.CommissionRule{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to marshal commission rules: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO referral_codes
				(id, affiliate_id, code, created_at, start_date, end_date, quota, commission_rules)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				affiliate_id = EXCLUDED.affiliate_id,
				code = EXCLUDED.code,
				created_at = EXCLUDED.created_at,
				start_date = EXCLUDED.start_date,
				end_date = EXCLUDED.end_date,
				quota = EXCLUDED.quota,
				commission_rules = EXCLUDED.commission_rules`,
		code.ID, code.AffiliateID, code.Code, code.CreatedAt.UTC(),
		code.StartDate, code.EndDate, code.Quota, rulesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save referral code: %w", err)
	}
	return nil
}

// RecordSignup implements goaffiliate.Storage
func (s *Storage) RecordSignup(ctx context.Context, codeID, userID string, at time.Time) error {
	if userID == "" {
		return goaffiliate.ErrInvalidEvent
	}

	// Start transaction
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Lock the code row so it cannot be deleted mid-attribution
	var exists int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM referral_codes WHERE id = $1 FOR SHARE`, codeID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return goaffiliate.ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check referral code: %w", err)
	}

	// First attribution wins
	_, err = tx.Exec(ctx,
		`INSERT INTO referral_signups (user_id, code_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, codeID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record signup: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// AppendEvent implements goaffiliate.Storage
func (s *Storage) AppendEvent(ctx context.Context, userID string, ev goaffiliate.LifecycleEvent) error {
	if userID == "" {
		return goaffiliate.ErrInvalidEvent
	}
	ev.UserID = userID

	payload, err := json.Marshal(goaffiliate.EncodeEvent(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var eventID *string
	if ev.ID != "" {
		eventID = &ev.ID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO user_events (user_id, event_id, occurred_at, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, event_id) WHERE event_id IS NOT NULL DO NOTHING`,
		userID, eventID, ev.Timestamp.UTC(), payload)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// startCleanup runs periodic deletion of events past retention
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Warn("event cleanup failed",
					goaffiliate.Field{Key: "error", Value: err.Error()},
				)
			}
		}
	}
}

// Cleanup deletes events older than the configured retention. It is a no-op
// when retention is unset.
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.EventRetention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.config.EventRetention)
	_, err := s.pool.Exec(ctx, `DELETE FROM user_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup user events: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
