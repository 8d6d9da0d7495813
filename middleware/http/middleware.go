// Package http provides HTTP middleware that scopes requests to an affiliate
package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// AffiliateIDExtractor extracts the affiliate ID from an HTTP request
// Return empty string if the caller is not authenticated
type AffiliateIDExtractor func(r *http.Request) string

// CodeIDsExtractor returns the referral code IDs a request asks for
type CodeIDsExtractor func(r *http.Request) []string

// Config holds middleware configuration
type Config struct {
	// Engine checks code ownership (required)
	Engine *goaffiliate.Engine

	// GetAffiliateID extracts affiliate ID from request (required)
	GetAffiliateID AffiliateIDExtractor

	// GetCodeIDs extracts the requested referral codes (optional)
	// Default: the repeatable or comma separated "code" query parameter
	GetCodeIDs CodeIDsExtractor

	// OnUnauthorized is called when the affiliate is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when a requested code is unknown or owned by another affiliate
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when an internal error occurs
	// If nil, returns 503 for unavailable storage and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that authenticates the affiliate,
// checks that every requested code belongs to it, and stores the affiliate ID
// in the request context.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Engine == nil {
		panic("goaffiliate/http: Config.Engine is required")
	}
	if config.GetAffiliateID == nil {
		panic("goaffiliate/http: Config.GetAffiliateID is required")
	}
	if config.GetCodeIDs == nil {
		config.GetCodeIDs = CodesFromQuery("code")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			affiliateID := strings.TrimSpace(config.GetAffiliateID(r))
			if affiliateID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			if err := config.Engine.AuthorizeCodes(ctx, affiliateID, config.GetCodeIDs(r)); err != nil {
				// Unknown codes are reported as forbidden so code IDs cannot be probed
				if IsForbidden(err) {
					if config.OnForbidden != nil {
						config.OnForbidden(w, r, err)
					} else {
						http.Error(w, "Forbidden", http.StatusForbidden)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, http.StatusText(ErrorStatus(err)), ErrorStatus(err))
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(goaffiliate.WithAffiliateID(ctx, affiliateID)))
		})
	}
}

// HandlerFunc creates an HTTP middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// IsForbidden reports whether err means a requested code may not be read
func IsForbidden(err error) bool {
	return errors.Is(err, goaffiliate.ErrCodeNotOwned) || errors.Is(err, goaffiliate.ErrCodeNotFound)
}

// ErrorStatus maps a storage failure to an HTTP status code
func ErrorStatus(err error) int {
	if errors.Is(err, goaffiliate.ErrCircuitOpen) || errors.Is(err, goaffiliate.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// SplitCodes flattens repeated and comma separated code values, dropping blanks
func SplitCodes(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ContextKey is a type for context keys
type ContextKey string

// FromContext returns an AffiliateIDExtractor that gets affiliate ID from request context
// Use it behind an auth middleware that stores the ID under key.
func FromContext(key ContextKey) AffiliateIDExtractor {
	return func(r *http.Request) string {
		if affiliateID, ok := r.Context().Value(key).(string); ok {
			return affiliateID
		}
		return ""
	}
}

// FromHeader returns an AffiliateIDExtractor that gets affiliate ID from a header
func FromHeader(headerName string) AffiliateIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// CodesFromQuery returns a CodeIDsExtractor reading a query parameter
func CodesFromQuery(name string) CodeIDsExtractor {
	return func(r *http.Request) []string {
		return SplitCodes(r.URL.Query()[name])
	}
}

// CodesFromPath returns a CodeIDsExtractor reading a Go 1.22 path wildcard
func CodesFromPath(name string) CodeIDsExtractor {
	return func(r *http.Request) []string {
		return SplitCodes([]string{r.PathValue(name)})
	}
}

// NoCodes returns a CodeIDsExtractor for routes that never name a code
func NoCodes() CodeIDsExtractor {
	return func(*http.Request) []string { return nil }
}

// AffiliateID returns the affiliate ID stored by Middleware
func AffiliateID(r *http.Request) string {
	affiliateID, _ := goaffiliate.AffiliateIDFromContext(r.Context())
	return affiliateID
}
