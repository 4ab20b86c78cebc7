// internal/middleware/role_middleware.go
package middleware

import (
	"net/http"

	"geopresence/internal/service"

	"github.com/labstack/echo/v4"
)

// RequireAdmin ensures the caller has the admin role
func RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Get claims from context (set by JWTAuthMiddleware)
		userClaims, ok := c.Get("user_claims").(*service.Claims)
		if !ok || !userClaims.IsAdmin() {
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"success": false,
				"message": "Access denied. Admin role required.",
				"error": map[string]string{
					"code": "FORBIDDEN",
				},
			})
		}

		return next(c)
	}
}

// RequireRole ensures the caller has at least one of the required roles
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userClaims, ok := c.Get("user_claims").(*service.Claims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"success": false,
					"message": "Unauthorized",
				})
			}

			for _, role := range roles {
				if userClaims.Role == role {
					return next(c)
				}
			}

			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"success": false,
				"message": "Access denied. Insufficient permissions.",
			})
		}
	}
}
