package goaffiliate

import "context"

type affiliateIDKey struct{}

// WithAffiliateID returns a copy of ctx carrying the authenticated affiliate ID
func WithAffiliateID(ctx context.Context, affiliateID string) context.Context {
	return context.WithValue(ctx, affiliateIDKey{}, affiliateID)
}

// AffiliateIDFromContext returns the affiliate ID stored by WithAffiliateID
func AffiliateIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(affiliateIDKey{}).(string)
	return id, ok && id != ""
}
