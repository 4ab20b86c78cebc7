package middleware

import (
	"net/http"

	"geopresence/internal/service"

	"github.com/labstack/echo/v4"
)

// RequireSelfOrAdmin guards routes with a :subjectId parameter.
// Admin has full access; anyone else may only read their own record.
func RequireSelfOrAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userClaims, ok := c.Get("user_claims").(*service.Claims)
			if !ok || userClaims == nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"success": false,
					"message": "Authentication required",
				})
			}

			if userClaims.IsAdmin() {
				return next(c)
			}

			subjectID := c.Param("subjectId")
			if subjectID == "" {
				return c.JSON(http.StatusBadRequest, map[string]interface{}{
					"success": false,
					"message": "Subject ID is required",
				})
			}

			if subjectID != userClaims.SubjectID {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"success": false,
					"message": "You do not have access to this subject",
					"error": map[string]string{
						"code": "FORBIDDEN",
					},
				})
			}

			return next(c)
		}
	}
}
