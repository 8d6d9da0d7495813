// Package fiber provides Fiber middleware that scopes requests to an affiliate
package fiber

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	httpmw "github.com/mihaimyh/goaffiliate/middleware/http"
	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// AffiliateIDKey is the Locals key holding the authenticated affiliate ID
const AffiliateIDKey = "goaffiliate:affiliateID"

// AffiliateIDExtractor extracts the affiliate ID from a Fiber context
// Return empty string if the caller is not authenticated
type AffiliateIDExtractor func(c *fiber.Ctx) string

// CodeIDsExtractor returns the referral code IDs a request asks for
type CodeIDsExtractor func(c *fiber.Ctx) []string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when a requested code is unknown or owned by another affiliate
	// If nil, returns 403 Forbidden
	OnForbidden func(c *fiber.Ctx, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 for unavailable storage and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that authenticates the affiliate and
// checks code ownership. The affiliate ID is stored in Locals under
// AffiliateIDKey and in the user context.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goaffiliate/fiber: Config.Engine is required")
	}
	if cfg.GetAffiliateID == nil {
		panic("goaffiliate/fiber: Config.GetAffiliateID is required")
	}
	if cfg.GetCodeIDs == nil {
		cfg.GetCodeIDs = CodesFromQuery("code")
	}

	return func(c *fiber.Ctx) error {
		affiliateID := strings.TrimSpace(cfg.GetAffiliateID(c))
		if affiliateID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		ctx := c.UserContext()
		if err := cfg.Engine.AuthorizeCodes(ctx, affiliateID, cfg.GetCodeIDs(c)); err != nil {
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

		c.Locals(AffiliateIDKey, affiliateID)
		c.SetUserContext(goaffiliate.WithAffiliateID(ctx, affiliateID))
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
}

func defaultError(c *fiber.Ctx, err error) error {
	status := httpmw.ErrorStatus(err)
	return c.Status(status).JSON(fiber.Map{"error": http.StatusText(status)})
}

// Convenience extractors for Affiliate ID

// FromContext returns an AffiliateIDExtractor that gets affiliate ID from Fiber context values (Locals)
// set by an auth middleware via c.Locals(key, affiliateID)
func FromContext(key string) AffiliateIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AffiliateIDExtractor that gets affiliate ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) AffiliateIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AffiliateIDExtractor that gets affiliate ID from a route parameter
func FromParam(paramName string) AffiliateIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Code IDs

// CodesFromQuery returns a CodeIDsExtractor reading a query parameter
func CodesFromQuery(name string) CodeIDsExtractor {
	return func(c *fiber.Ctx) []string {
		raw := c.Context().QueryArgs().PeekMulti(name)
		values := make([]string, 0, len(raw))
		for _, v := range raw {
			values = append(values, string(v))
		}
		return httpmw.SplitCodes(values)
	}
}

// CodesFromParam returns a CodeIDsExtractor reading a route parameter
func CodesFromParam(name string) CodeIDsExtractor {
	return func(c *fiber.Ctx) []string {
		return httpmw.SplitCodes([]string{c.Params(name)})
	}
}

// AffiliateID returns the affiliate ID stored by Middleware
func AffiliateID(c *fiber.Ctx) string {
	if id, ok := c.Locals(AffiliateIDKey).(string); ok {
		return id
	}
	return ""
}
