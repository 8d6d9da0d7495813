// Package gin provides Gin middleware that scopes requests to an affiliate
package gin

import (
	"net/http"
	"strings"

	gongin "github.com/gin-gonic/gin"

	httpmw "github.com/mihaimyh/goaffiliate/middleware/http"
	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// AffiliateIDKey is the Gin context key holding the authenticated affiliate ID
const AffiliateIDKey = "goaffiliate:affiliateID"

// AffiliateIDExtractor extracts the affiliate ID from a Gin context
// Return empty string if the caller is not authenticated
type AffiliateIDExtractor func(c *gongin.Context) string

// CodeIDsExtractor returns the referral code IDs a request asks for
type CodeIDsExtractor func(c *gongin.Context) []string

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
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when a requested code is unknown or owned by another affiliate
	// If nil, returns 403 Forbidden
	OnForbidden func(c *gongin.Context, err error)

	// OnError is called when an internal error occurs
	// If nil, returns 503 for unavailable storage and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that authenticates the affiliate and
// checks code ownership. The affiliate ID is stored under AffiliateIDKey and
// in the request context, so handlers wrapped with gin.WrapH can read it too.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goaffiliate/gin: Config.Engine is required")
	}
	if cfg.GetAffiliateID == nil {
		panic("goaffiliate/gin: Config.GetAffiliateID is required")
	}
	if cfg.GetCodeIDs == nil {
		cfg.GetCodeIDs = CodesFromQuery("code")
	}

	return func(c *gongin.Context) {
		affiliateID := strings.TrimSpace(cfg.GetAffiliateID(c))
		if affiliateID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		if err := cfg.Engine.AuthorizeCodes(ctx, affiliateID, cfg.GetCodeIDs(c)); err != nil {
			switch {
			case httpmw.IsForbidden(err) && cfg.OnForbidden != nil:
				cfg.OnForbidden(c, err)
			case httpmw.IsForbidden(err):
				defaultForbidden(c)
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Set(AffiliateIDKey, affiliateID)
		c.Request = c.Request.WithContext(goaffiliate.WithAffiliateID(ctx, affiliateID))
		c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context) {
	c.JSON(http.StatusForbidden, gongin.H{"error": "Forbidden"})
}

func defaultError(c *gongin.Context, err error) {
	status := httpmw.ErrorStatus(err)
	c.JSON(status, gongin.H{"error": http.StatusText(status)})
}

// Convenience extractors for Affiliate ID

// FromContext returns an AffiliateIDExtractor that gets affiliate ID from Gin context values
// set by an auth middleware via c.Set(key, affiliateID)
func FromContext(key string) AffiliateIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns an AffiliateIDExtractor that gets affiliate ID from a header
func FromHeader(headerName string) AffiliateIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AffiliateIDExtractor that gets affiliate ID from a route parameter
func FromParam(paramName string) AffiliateIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Code IDs

// CodesFromQuery returns a CodeIDsExtractor reading a query parameter
func CodesFromQuery(name string) CodeIDsExtractor {
	return func(c *gongin.Context) []string {
		return httpmw.SplitCodes(c.QueryArray(name))
	}
}

// CodesFromParam returns a CodeIDsExtractor reading a route parameter
func CodesFromParam(name string) CodeIDsExtractor {
	return func(c *gongin.Context) []string {
		return httpmw.SplitCodes([]string{c.Param(name)})
	}
}

// AffiliateID returns the affiliate ID stored by Middleware
func AffiliateID(c *gongin.Context) string {
	return c.GetString(AffiliateIDKey)
}
