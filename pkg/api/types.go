package api

import (
	"time"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// TimeSeriesResponse is the body of the time series endpoint
type TimeSeriesResponse struct {
	AffiliateID string                        `json:"affiliate_id"`
	Schema      *goaffiliate.EventUnionMap    `json:"schema"`
	Points      []goaffiliate.TimeSeriesPoint `json:"points"`
}

// SchemaResponse is the body of the schema endpoint
type SchemaResponse struct {
	AffiliateID string                     `json:"affiliate_id"`
	Events      *goaffiliate.EventUnionMap `json:"events"`
}

// SignupRequest attributes a user to a referral code
type SignupRequest struct {
	CodeID string     `json:"code_id"`
	UserID string     `json:"user_id"`
	At     *time.Time `json:"at,omitempty"`
}

// AcceptedResponse acknowledges an ingestion request
type AcceptedResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// ErrorResponse is the default error body
type ErrorResponse struct {
	Error string `json:"error"`
}
