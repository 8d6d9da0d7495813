package goaffiliate

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetReferralCode(ctx context.Context, codeID string) (*ReferralCode, error) {
	var code *ReferralCode
	err := s.cb.Execute(ctx, func() error {
		var e error
		code, e = s.storage.GetReferralCode(ctx, codeID)
		return e
	})
	return code, err
}

func (s *CircuitBreakerStorage) ListReferralCodes(ctx context.Context, affiliateID string) ([]ReferralCode, error) {
	var codes []ReferralCode
	err := s.cb.Execute(ctx, func() error {
		var e error
		codes, e = s.storage.ListReferralCodes(ctx, affiliateID)
		return e
	})
	return codes, err
}

func (s *CircuitBreakerStorage) ListUserEvents(ctx context.Context, affiliateID string) ([]UserEvents, error) {
	var users []UserEvents
	err := s.cb.Execute(ctx, func() error {
		var e error
		users, e = s.storage.ListUserEvents(ctx, affiliateID)
		return e
	})
	return users, err
}

func (s *CircuitBreakerStorage) SaveReferralCode(ctx context.Context, code *ReferralCode) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SaveReferralCode(ctx, code)
	})
}

func (s *CircuitBreakerStorage) RecordSignup(ctx context.Context, codeID, userID string, at time.Time) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.RecordSignup(ctx, codeID, userID, at)
	})
}

func (s *CircuitBreakerStorage) AppendEvent(ctx context.Context, userID string, ev LifecycleEvent) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.AppendEvent(ctx, userID, ev)
	})
}
