package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

const defaultMaxBodyBytes = 64 * 1024

// Config holds configuration for the dashboard API handler
type Config struct {
	// Engine is the analytics engine instance (required)
	Engine *goaffiliate.Engine

	// GetAffiliateID extracts the affiliate ID from the HTTP request (required).
	// Read endpoints only ever serve this affiliate's data.
	GetAffiliateID func(*http.Request) string

	// OnError handles errors (auth, validation, internal)
	// If nil, uses default JSON error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// MaxBodyBytes limits ingestion request bodies (default: 64KB)
	MaxBodyBytes int64

	// Logger is used for request-level failures (default: NoopLogger)
	Logger goaffiliate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.GetAffiliateID == nil {
		return fmt.Errorf("getAffiliateID is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes must not be negative, got %d", c.MaxBodyBytes)
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &goaffiliate.NoopLogger{}
	}
	return &Handler{
		config:   config,
		location: config.Engine.Config().Location,
	}, nil
}

// Helper functions for common affiliate ID extraction patterns

// FromHeader returns a GetAffiliateID function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromAuthContext returns a GetAffiliateID function that reads the affiliate
// ID stored by the middleware packages.
func FromAuthContext() func(*http.Request) string {
	return func(r *http.Request) string {
		affiliateID, _ := goaffiliate.AffiliateIDFromContext(r.Context())
		return affiliateID
	}
}

// FromContext returns a GetAffiliateID function that reads a request context value
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if affiliateID, ok := r.Context().Value(key).(string); ok {
			return affiliateID
		}
		return ""
	}
}
