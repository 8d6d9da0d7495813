// Package firestore provides a Firestore implementation of the goaffiliate.Storage interface.
// Signup attribution runs in a Firestore transaction that also maintains the
// code's referral counter.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// Storage implements goaffiliate.Storage using Google Cloud Firestore
type Storage struct {
	client            *firestore.Client
	codesCollection   string
	signupsCollection string
	eventsCollection  string
	readConcurrency   int
	decoder           *goaffiliate.Decoder
}

// Config holds Firestore storage configuration
type Config struct {
	// CodesCollection is the Firestore collection for referral codes
	// Default: "affiliate_codes"
	CodesCollection string

	// SignupsCollection is the Firestore collection for user attributions
	// Default: "affiliate_signups"
	SignupsCollection string

	// EventsCollection is the Firestore collection for user event streams
	// Default: "affiliate_events"
	EventsCollection string

	// ReadConcurrency bounds parallel per-user event reads (default: 8)
	ReadConcurrency int

	// Logger receives malformed event reports (default: NoopLogger)
	Logger goaffiliate.Logger
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.CodesCollection == "" {
		config.CodesCollection = "affiliate_codes"
	}
	if config.SignupsCollection == "" {
		config.SignupsCollection = "affiliate_signups"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "affiliate_events"
	}
	if config.ReadConcurrency <= 0 {
		config.ReadConcurrency = 8
	}

	return &Storage{
		client:            client,
		codesCollection:   config.CodesCollection,
		signupsCollection: config.SignupsCollection,
		eventsCollection:  config.EventsCollection,
		readConcurrency:   config.ReadConcurrency,
		decoder:           goaffiliate.NewDecoder(config.Logger, nil),
	}, nil
}

// GetReferralCode implements goaffiliate.Storage
func (s *Storage) GetReferralCode(ctx context.Context, codeID string) (*goaffiliate.ReferralCode, error) {
	snap, err := s.client.Collection(s.codesCollection).Doc(codeID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goaffiliate.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get referral code: %w", err)
	}
	if !snap.Exists() {
		return nil, goaffiliate.ErrCodeNotFound
	}

	code := codeFromData(snap.Ref.ID, snap.Data())
	return &code, nil
}

// ListReferralCodes implements goaffiliate.Storage
func (s *Storage) ListReferralCodes(ctx context.Context, affiliateID string) ([]goaffiliate.ReferralCode, error) {
	docs, err := s.client.Collection(s.codesCollection).
		Where("affiliateId", "==", affiliateID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list referral codes: %w", err)
	}

	out := make([]goaffiliate.ReferralCode, 0, len(docs))
	for _, doc := range docs {
		out = append(out, codeFromData(doc.Ref.ID, doc.Data()))
	}

	// Sorted here so the query needs no composite index
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListUserEvents implements goaffiliate.Storage
func (s *Storage) ListUserEvents(ctx context.Context, affiliateID string) ([]goaffiliate.UserEvents, error) {
	docs, err := s.client.Collection(s.signupsCollection).
		Where("affiliateId", "==", affiliateID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list signups: %w", err)
	}

	users := make([]goaffiliate.UserEvents, len(docs))
	for i, doc := range docs {
		data := doc.Data()
		users[i] = goaffiliate.UserEvents{
			UserID:         doc.Ref.ID,
			ReferralCodeID: getString(data, "codeId"),
		}
		if at := getTime(data, "createdAt"); !at.IsZero() {
			at = at.UTC()
			users[i].ReferralCreatedAt = &at
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.readConcurrency)
	for i := range users {
		i := i
		g.Go(func() error {
			events, err := s.userEvents(gctx, users[i].UserID)
			if err != nil {
				return err
			}
			users[i].Events = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to list user events: %w", err)
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].ReferralCodeID != users[j].ReferralCodeID {
			return users[i].ReferralCodeID < users[j].ReferralCodeID
		}
		return users[i].UserID < users[j].UserID
	})
	return users, nil
}

// userEvents reads one user's events, ordered by timestamp
func (s *Storage) userEvents(ctx context.Context, userID string) ([]goaffiliate.LifecycleEvent, error) {
	iter := s.eventsRef(userID).OrderBy("occurredAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	items := make([]interface{}, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		payload, ok := doc.Data()["payload"].(map[string]interface{})
		if !ok {
			items = append(items, nil)
			continue
		}
		items = append(items, payload)
	}
	return s.decoder.DecodeItems(items), nil
}

// SaveReferralCode implements goaffiliate.Storage
func (s *Storage) SaveReferralCode(ctx context.Context, code *goaffiliate.ReferralCode) error {
	if code == nil || code.ID == "" {
		return goaffiliate.ErrInvalidCode
	}

	doc := s.client.Collection(s.codesCollection).Doc(code.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// The referral counter belongs to RecordSignup; carry it over
		var referrals int64
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			referrals = int64(getInt(snap.Data(), "referralsCount"))
		}

		data := codeToData(code)
		data["referralsCount"] = referrals
		return tx.Set(doc, data)
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

	codeDoc := s.client.Collection(s.codesCollection).Doc(codeID)
	signupDoc := s.client.Collection(s.signupsCollection).Doc(userID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		codeSnap, err := tx.Get(codeDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goaffiliate.ErrCodeNotFound
			}
			return err
		}

		signupSnap, err := tx.Get(signupDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && signupSnap.Exists() {
			// First attribution wins
			return nil
		}

		if err := tx.Create(signupDoc, map[string]interface{}{
			"codeId":      codeID,
			"affiliateId": getString(codeSnap.Data(), "affiliateId"),
			"createdAt":   at.UTC(),
		}); err != nil {
			return err
		}
		return tx.Update(codeDoc, []firestore.Update{
			{Path: "referralsCount", Value: firestore.Increment(1)},
		})
	})
	if errors.Is(err, goaffiliate.ErrCodeNotFound) {
		return goaffiliate.ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to record signup: %w", err)
	}
	return nil
}

// AppendEvent implements goaffiliate.Storage
func (s *Storage) AppendEvent(ctx context.Context, userID string, ev goaffiliate.LifecycleEvent) error {
	if userID == "" {
		return goaffiliate.ErrInvalidEvent
	}
	ev.UserID = userID

	data := map[string]interface{}{
		"occurredAt": ev.Timestamp.UTC(),
		"payload":    goaffiliate.EncodeEvent(ev),
	}

	if ev.ID == "" {
		if _, _, err := s.eventsRef(userID).Add(ctx, data); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	}

	// Event IDs double as document IDs; a second create is a duplicate
	_, err := s.eventsRef(userID).Doc(ev.ID).Create(ctx, data)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// eventsRef returns the per-user event subcollection
// Structure: affiliate_events/{userID}/items/{eventID}
func (s *Storage) eventsRef(userID string) *firestore.CollectionRef {
	return s.client.Collection(s.eventsCollection).Doc(userID).Collection("items")
}

func codeToData(code *goaffiliate.ReferralCode) map[string]interface{} {
	rules := make([]interface{}, 0, len(code.CommissionRules))
	for _, r := range code.CommissionRules {
		rules = append(rules, map[string]interface{}{
			"event":       r.Event,
			"rate":        r.Rate,
			"currency":    r.Currency,
			"displayName": r.DisplayName,
		})
	}

	data := map[string]interface{}{
		"affiliateId":     code.AffiliateID,
		"code":            code.Code,
		"createdAt":       code.CreatedAt.UTC(),
		"commissionRules": rules,
	}
	if code.StartDate != nil {
		data["startDate"] = code.StartDate.UTC()
	}
	if code.EndDate != nil {
		data["endDate"] = code.EndDate.UTC()
	}
	if code.Quota != nil {
		data["quota"] = int64(*code.Quota)
	}
	return data
}

func codeFromData(id string, data map[string]interface{}) goaffiliate.ReferralCode {
	code := goaffiliate.ReferralCode{
		ID:             id,
		AffiliateID:    getString(data, "affiliateId"),
		Code:           getString(data, "code"),
		CreatedAt:      getTime(data, "createdAt").UTC(),
		ReferralsCount: getInt(data, "referralsCount"),
	}
	if t, ok := data["startDate"].(time.Time); ok {
		t = t.UTC()
		code.StartDate = &t
	}
	if t, ok := data["endDate"].(time.Time); ok {
		t = t.UTC()
		code.EndDate = &t
	}
	if _, ok := data["quota"]; ok {
		q := getInt(data, "quota")
		code.Quota = &q
	}
	if raw, ok := data["commissionRules"].([]interface{}); ok {
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			code.CommissionRules = append(code.CommissionRules, goaffiliate.CommissionRule{
				Event:       getString(m, "event"),
				Rate:        getFloat(m, "rate"),
				Currency:    getString(m, "currency"),
				DisplayName: getString(m, "displayName"),
			})
		}
	}
	return code
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
