// Package echo provides Echo middleware that scopes requests to an affiliate
package echo

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	httpmw "github.com/mihaimyh/goaffiliate/middleware/http"
	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// AffiliateIDKey is the Echo context key holding the authenticated affiliate ID
const AffiliateIDKey = "goaffiliate:affiliateID"

// AffiliateIDExtractor extracts the affiliate ID from an Echo context
// Return empty string if the caller is not authenticated
type AffiliateIDExtractor func(c echo.Context) string

// CodeIDsExtractor returns the referral code IDs a request asks for
type CodeIDsExtractor func(c echo.Context) []string

// Config holds middleware configuration
type Config struct {
	// Engine checks code ownership (required)
	Engine *goaffiliate.Engine

	// GetAffiliateID extracts affiliate ID from context (required)
	GetAffiliateID AffiliateIDExtractor

	// GetCodeIDs extracts the requested referral codes (optional)
	// Default: the repeatable or comma separated "code" query parameter
	GetCodeIDs CodeIDsExtractor

	// OnUnauthorized is called when the affiliate is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when a requested code is unknown or owned by another affiliate
	// If nil, returns 403 Forbidden
	OnForbidden func(c echo.Context, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 for unavailable storage and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that authenticates the affiliate and
// checks code ownership. The affiliate ID is stored under AffiliateIDKey and
// in the request context.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goaffiliate/echo: Config.Engine is required")
	}
	if cfg.GetAffiliateID == nil {
		panic("goaffiliate/echo: Config.GetAffiliateID is required")
	}
	if cfg.GetCodeIDs == nil {
		cfg.GetCodeIDs = CodesFromQuery("code")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			affiliateID := strings.TrimSpace(cfg.GetAffiliateID(c))
			if affiliateID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			req := c.Request()
			if err := cfg.Engine.AuthorizeCodes(req.Context(), affiliateID, cfg.GetCodeIDs(c)); err != nil {
				if httpmw.IsForbidden(err) {
					if cfg.OnForbidden != nil {
						return cfg.OnForbidden(c, err)
					}
					return defaultForbidden(c)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			c.Set(AffiliateIDKey, affiliateID)
			c.SetRequest(req.WithContext(goaffiliate.WithAffiliateID(req.Context(), affiliateID)))
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden"})
}

func defaultError(c echo.Context, err error) error {
	status := httpmw.ErrorStatus(err)
	return c.JSON(status, map[string]string{"error": http.StatusText(status)})
}

// Convenience extractors for Affiliate ID

// FromContext returns an AffiliateIDExtractor that gets affiliate ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// the affiliate via c.Set("AffiliateID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("AffiliateID", affiliateID)
//
//	// In affiliate middleware config:
//	GetAffiliateID: echo.FromContext("AffiliateID")
func FromContext(key string) AffiliateIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AffiliateIDExtractor that gets affiliate ID from a header
func FromHeader(headerName string) AffiliateIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AffiliateIDExtractor that gets affiliate ID from a route parameter
func FromParam(paramName string) AffiliateIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Code IDs

// CodesFromQuery returns a CodeIDsExtractor reading a query parameter
func CodesFromQuery(name string) CodeIDsExtractor {
	return func(c echo.Context) []string {
		return httpmw.SplitCodes(c.QueryParams()[name])
	}
}

// CodesFromParam returns a CodeIDsExtractor reading a route parameter
func CodesFromParam(name string) CodeIDsExtractor {
	return func(c echo.Context) []string {
		return httpmw.SplitCodes([]string{c.Param(name)})
	}
}

// AffiliateID returns the affiliate ID stored by Middleware
func AffiliateID(c echo.Context) string {
	if id, ok := c.Get(AffiliateIDKey).(string); ok {
		return id
	}
	return ""
}
