package goaffiliate

import (
	"context"
	"time"
)

// Storage defines the interface for referral persistence
// All methods use concrete types from this package to avoid import cycles
type Storage interface {
	// GetReferralCode retrieves a code by ID
	// Returns ErrCodeNotFound if it does not exist
	GetReferralCode(ctx context.Context, codeID string) (*ReferralCode, error)

	// ListReferralCodes returns every code owned by an affiliate, ordered by
	// creation time then ID. ReferralsCount reflects recorded signups.
	ListReferralCodes(ctx context.Context, affiliateID string) ([]ReferralCode, error)

	// ListUserEvents returns every user attributed to one of the affiliate's
	// codes together with their full event stream
	ListUserEvents(ctx context.Context, affiliateID string) ([]UserEvents, error)

	// SaveReferralCode creates or replaces a code. ReferralsCount is ignored;
	// it is derived from recorded signups.
	SaveReferralCode(ctx context.Context, code *ReferralCode) error

	// RecordSignup attributes userID to codeID at the given time
	// Repeated signups of the same user keep the first attribution
	// Returns ErrCodeNotFound if the code does not exist
	RecordSignup(ctx context.Context, codeID, userID string, at time.Time) error

	// AppendEvent appends a lifecycle event to a user's stream
	// Events with an ID already stored for the user are ignored
	AppendEvent(ctx context.Context, userID string, ev LifecycleEvent) error
}
