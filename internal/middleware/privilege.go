package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequirePrivilege returns a middleware that enforces that the
// authenticated caller holds one of the specified privileges. The
// values correspond to the JWT "privilege" claim extracted by JWTAuth.
// Requests with a missing or disallowed privilege are aborted with a
// 403 Forbidden response.
func RequirePrivilege(privileges ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(privileges))
	for _, p := range privileges {
		allowed[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			v := c.Get("privilege")
			privilege, ok := v.(string)
			if !ok || !allowed[privilege] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
