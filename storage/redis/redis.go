// Package redis provides a Redis implementation of the goaffiliate.Storage interface.
// Signups and event appends run as Lua scripts so attribution and event
// deduplication are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// Storage implements goaffiliate.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	decoder *goaffiliate.Decoder
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goaffiliate:")
	KeyPrefix string

	// EventTTL is the TTL for user event lists (0 = no expiration)
	EventTTL time.Duration

	// Logger receives event list parse failures (default: NoopLogger)
	Logger goaffiliate.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goaffiliate:",
		EventTTL:  0, // Events don't expire
	}
}

// codeRecord is the JSON form of a referral code
type codeRecord struct {
	ID              string                       `json:"id"`
	AffiliateID     string                       `json:"affiliate_id"`
	Code            string                       `json:"code"`
	CreatedAt       time.Time                    `json:"created_at"`
	StartDate       *time.Time                   `json:"start_date,omitempty"`
	EndDate         *time.Time                   `json:"end_date,omitempty"`
	Quota           *int                         `json:"quota,omitempty"`
	CommissionRules []goaffiliate.CommissionRule `json:"commission_rules"`
}

func toRecord(c *goaffiliate.ReferralCode) codeRecord {
	clone := c.Clone()
	return codeRecord{
		ID:              clone.ID,
		AffiliateID:     clone.AffiliateID,
		Code:            clone.Code,
		CreatedAt:       clone.CreatedAt.UTC(),
		StartDate:       clone.StartDate,
		EndDate:         clone.EndDate,
		Quota:           clone.Quota,
		CommissionRules: clone.CommissionRules,
	}
}

func (r codeRecord) toCode(referrals int) goaffiliate.ReferralCode {
	return goaffiliate.ReferralCode{
		ID:              r.ID,
		AffiliateID:     r.AffiliateID,
		Code:            r.Code,
		CreatedAt:       r.CreatedAt,
		StartDate:       r.StartDate,
		EndDate:         r.EndDate,
		Quota:           r.Quota,
		ReferralsCount:  referrals,
		CommissionRules: r.CommissionRules,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goaffiliate:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		decoder: goaffiliate.NewDecoder(config.Logger, nil),
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Attribute a user to a code unless already attributed
	s.scripts["signup"] = redis.NewScript(`
		local codeKey = KEYS[1]
		local attributionKey = KEYS[2]
		local signupsKey = KEYS[3]
		local userID = ARGV[1]
		local atMs = ARGV[2]
		local codeID = ARGV[3]

		if redis.call('EXISTS', codeKey) == 0 then
			return 'not_found'
		end

		if redis.call('SETNX', attributionKey, codeID) == 0 then
			return 'exists'
		end

		redis.call('HSET', signupsKey, userID, atMs)
		return 'ok'
	`)

	// Append an event unless its ID was already stored for the user
	s.scripts["append"] = redis.NewScript(`
		local eventsKey = KEYS[1]
		local idsKey = KEYS[2]
		local eventID = ARGV[1]
		local payload = ARGV[2]
		local ttl = tonumber(ARGV[3])

		if eventID ~= '' then
			if redis.call('SADD', idsKey, eventID) == 0 then
				return 0
			end
		end

		redis.call('RPUSH', eventsKey, payload)
		if ttl > 0 then
			redis.call('EXPIRE', eventsKey, ttl)
			if eventID ~= '' then
				redis.call('EXPIRE', idsKey, ttl)
			end
		end
		return 1
	`)
}

// GetReferralCode implements goaffiliate.Storage
func (s *Storage) GetReferralCode(ctx context.Context, codeID string) (*goaffiliate.ReferralCode, error) {
	data, err := s.client.Get(ctx, s.codeKey(codeID)).Bytes()
	if err == redis.Nil {
		return nil, goaffiliate.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral code: %w", err)
	}

	var rec codeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal referral code: %w", err)
	}

	referrals, err := s.client.HLen(ctx, s.signupsKey(codeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count signups: %w", err)
	}

	code := rec.toCode(int(referrals))
	return &code, nil
}

// ListReferralCodes implements goaffiliate.Storage
func (s *Storage) ListReferralCodes(ctx context.Context, affiliateID string) ([]goaffiliate.ReferralCode, error) {
	ids, err := s.codeIDs(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []goaffiliate.ReferralCode{}, nil
	}

	pipe := s.client.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	counts := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		gets[i] = pipe.Get(ctx, s.codeKey(id))
		counts[i] = pipe.HLen(ctx, s.signupsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list referral codes: %w", err)
	}

	codes := make([]goaffiliate.ReferralCode, 0, len(ids))
	for i := range ids {
		data, err := gets[i].Bytes()
		if err == redis.Nil {
			// Index entry without a code body
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get referral code: %w", err)
		}
		var rec codeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal referral code: %w", err)
		}
		codes = append(codes, rec.toCode(int(counts[i].Val())))
	}
	return codes, nil
}

// ListUserEvents implements goaffiliate.Storage
func (s *Storage) ListUserEvents(ctx context.Context, affiliateID string) ([]goaffiliate.UserEvents, error) {
	ids, err := s.codeIDs(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	signups := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		signups[i] = pipe.HGetAll(ctx, s.signupsKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to list signups: %w", err)
		}
	}

	users := make([]goaffiliate.UserEvents, 0)
	for i, codeID := range ids {
		for userID, msStr := range signups[i].Val() {
			u := goaffiliate.UserEvents{UserID: userID, ReferralCodeID: codeID}
			if ms, err := strconv.ParseInt(msStr, 10, 64); err == nil {
				at := time.UnixMilli(ms).UTC()
				u.ReferralCreatedAt = &at
			}
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		return users, nil
	}

	pipe = s.client.Pipeline()
	lists := make([]*redis.StringSliceCmd, len(users))
	for i := range users {
		lists[i] = pipe.LRange(ctx, s.eventsKey(users[i].UserID), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to list user events: %w", err)
	}

	for i := range users {
		users[i].Events = s.decodePayloads(lists[i].Val())
	}

	sortUsers(users)
	return users, nil
}

// SaveReferralCode implements goaffiliate.Storage
func (s *Storage) SaveReferralCode(ctx context.Context, code *goaffiliate.ReferralCode) error {
	if code == nil || code.ID == "" {
		return goaffiliate.ErrInvalidCode
	}

	data, err := json.Marshal(toRecord(code))
	if err != nil {
		return fmt.Errorf("failed to marshal referral code: %w", err)
	}

	// A code moved between affiliates must leave the old index
	previous, err := s.GetReferralCode(ctx, code.ID)
	if err != nil && err != goaffiliate.ErrCodeNotFound {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.AffiliateID != code.AffiliateID {
			pipe.ZRem(ctx, s.affiliateKey(previous.AffiliateID), code.ID)
		}
		pipe.Set(ctx, s.codeKey(code.ID), data, 0)
		pipe.ZAdd(ctx, s.affiliateKey(code.AffiliateID), redis.Z{
			Score:  float64(code.CreatedAt.UnixMilli()),
			Member: code.ID,
		})
		return nil
	})
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

	keys := []string{s.codeKey(codeID), s.attributionKey(userID), s.signupsKey(codeID)}
	result, err := s.scripts["signup"].Run(ctx, s.client, keys, userID, at.UnixMilli(), codeID).Text()
	if err != nil {
		return fmt.Errorf("failed to record signup: %w", err)
	}
	if result == "not_found" {
		return goaffiliate.ErrCodeNotFound
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

	keys := []string{s.eventsKey(userID), s.eventIDsKey(userID)}
	ttl := int64(s.config.EventTTL.Seconds())
	if err := s.scripts["append"].Run(ctx, s.client, keys, ev.ID, string(payload), ttl).Err(); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Storage) codeIDs(ctx context.Context, affiliateID string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.affiliateKey(affiliateID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list code ids: %w", err)
	}
	return ids, nil
}

// decodePayloads joins stored payloads into one JSON array so a corrupt
// entry is handled like any other unparseable event list
func (s *Storage) decodePayloads(payloads []string) []goaffiliate.LifecycleEvent {
	if len(payloads) == 0 {
		return []goaffiliate.LifecycleEvent{}
	}
	buf := make([]byte, 0, 64*len(payloads))
	buf = append(buf, '[')
	for i, p := range payloads {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, p...)
	}
	buf = append(buf, ']')
	return s.decoder.DecodeList(buf)
}

// sortUsers orders users by code then user ID, and each user's events by timestamp
func sortUsers(users []goaffiliate.UserEvents) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].ReferralCodeID != users[j].ReferralCodeID {
			return users[i].ReferralCodeID < users[j].ReferralCodeID
		}
		return users[i].UserID < users[j].UserID
	})
	for i := range users {
		events := users[i].Events
		sort.SliceStable(events, func(a, b int) bool {
			return events[a].Timestamp.Before(events[b].Timestamp)
		})
	}
}

func (s *Storage) codeKey(codeID string) string {
	return fmt.Sprintf("%scode:%s", s.config.KeyPrefix, codeID)
}

func (s *Storage) affiliateKey(affiliateID string) string {
	return fmt.Sprintf("%saffiliate:%s:codes", s.config.KeyPrefix, affiliateID)
}

func (s *Storage) signupsKey(codeID string) string {
	return fmt.Sprintf("%scode:%s:signups", s.config.KeyPrefix, codeID)
}

func (s *Storage) attributionKey(userID string) string {
	return fmt.Sprintf("%suser:%s:code", s.config.KeyPrefix, userID)
}

func (s *Storage) eventsKey(userID string) string {
	return fmt.Sprintf("%suser:%s:events", s.config.KeyPrefix, userID)
}

func (s *Storage) eventIDsKey(userID string) string {
	return fmt.Sprintf("%suser:%s:event_ids", s.config.KeyPrefix, userID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
