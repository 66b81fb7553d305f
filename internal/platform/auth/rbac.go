package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole admits users holding at least one of roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, has := range RolesFromContext(c.Request().Context()) {
				if has == "admin" {
					return next(c)
				}
				for _, want := range roles {
					if has == want {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireScope checks for a "<resource>.<action>" scope. Either half of a
// granted scope may be "*".
func RequireScope(resource, action string) echo.MiddlewareFunc {
	required := resource + "." + action
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, s := range ScopesFromContext(c.Request().Context()) {
				if matchScope(s, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

func matchScope(granted, required string) bool {
	gRes, gAct, ok := strings.Cut(granted, ".")
	if !ok {
		return false
	}
	rRes, rAct, ok := strings.Cut(required, ".")
	if !ok {
		return false
	}
	return (gRes == "*" || gRes == rRes) && (gAct == "*" || gAct == rAct)
}
