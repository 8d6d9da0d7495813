// Package memory provides an in-memory implementation of the goaffiliate.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

type attribution struct {
	codeID string
	at     time.Time
}

// Storage implements goaffiliate.Storage using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	codes        map[string]goaffiliate.ReferralCode
	attributions map[string]attribution
	events       map[string][]goaffiliate.LifecycleEvent
	eventIDs     map[string]map[string]struct{}
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		codes:        make(map[string]goaffiliate.ReferralCode),
		attributions: make(map[string]attribution),
		events:       make(map[string][]goaffiliate.LifecycleEvent),
		eventIDs:     make(map[string]map[string]struct{}),
	}
}

// GetReferralCode implements goaffiliate.Storage
func (s *Storage) GetReferralCode(_ context.Context, codeID string) (*goaffiliate.ReferralCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeID]
	if !ok {
		return nil, goaffiliate.ErrCodeNotFound
	}

	// Return a copy to prevent external mutations
	out := code.Clone()
	out.ReferralsCount = s.referralsCounts()[codeID]
	return &out, nil
}

// ListReferralCodes implements goaffiliate.Storage
func (s *Storage) ListReferralCodes(_ context.Context, affiliateID string) ([]goaffiliate.ReferralCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := s.referralsCounts()
	out := make([]goaffiliate.ReferralCode, 0)
	for _, code := range s.codes {
		if code.AffiliateID != affiliateID {
			continue
		}
		c := code.Clone()
		c.ReferralsCount = counts[code.ID]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListUserEvents implements goaffiliate.Storage
func (s *Storage) ListUserEvents(_ context.Context, affiliateID string) ([]goaffiliate.UserEvents, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]goaffiliate.UserEvents, 0)
	for userID, a := range s.attributions {
		code, ok := s.codes[a.codeID]
		if !ok || code.AffiliateID != affiliateID {
			continue
		}
		at := a.at
		events := append([]goaffiliate.LifecycleEvent(nil), s.events[userID]...)
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
		out = append(out, goaffiliate.UserEvents{
			UserID:            userID,
			ReferralCodeID:    a.codeID,
			ReferralCreatedAt: &at,
			Events:            events,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReferralCodeID != out[j].ReferralCodeID {
			return out[i].ReferralCodeID < out[j].ReferralCodeID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// SaveReferralCode implements goaffiliate.Storage
func (s *Storage) SaveReferralCode(_ context.Context, code *goaffiliate.ReferralCode) error {
	if code == nil || code.ID == "" {
		return goaffiliate.ErrInvalidCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := code.Clone()
	c.ReferralsCount = 0
	s.codes[code.ID] = c
	return nil
}

// RecordSignup implements goaffiliate.Storage
func (s *Storage) RecordSignup(_ context.Context, codeID, userID string, at time.Time) error {
	if userID == "" {
		return goaffiliate.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[codeID]; !ok {
		return goaffiliate.ErrCodeNotFound
	}
	if _, exists := s.attributions[userID]; exists {
		return nil
	}
	s.attributions[userID] = attribution{codeID: codeID, at: at.UTC()}
	return nil
}

// AppendEvent implements goaffiliate.Storage
func (s *Storage) AppendEvent(_ context.Context, userID string, ev goaffiliate.LifecycleEvent) error {
	if userID == "" {
		return goaffiliate.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID != "" {
		ids, ok := s.eventIDs[userID]
		if !ok {
			ids = make(map[string]struct{})
			s.eventIDs[userID] = ids
		}
		if _, dup := ids[ev.ID]; dup {
			return nil
		}
		ids[ev.ID] = struct{}{}
	}
	ev.UserID = userID
	s.events[userID] = append(s.events[userID], ev)
	return nil
}

func (s *Storage) referralsCounts() map[string]int {
	counts := make(map[string]int)
	for _, a := range s.attributions {
		counts[a.codeID]++
	}
	return counts
}
