package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// revokeTokenRequest is the request body for POST /auth/revoke.
type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id,omitempty"`
}

// revokeUserRequest is the request body for POST /auth/revoke-user.
type revokeUserRequest struct {
	UserID string `json:"user_id"`
}

type revokeUserResponse struct {
	RevokedCount int `json:"revoked_count"`
}

type revocationListResponse struct {
	Count   int              `json:"count"`
	Entries []RevocationInfo `json:"entries"`
}

// RegisterRevocationRoutes registers token revocation management endpoints
// under /auth. All endpoints require the ADMIN domain role, so the group
// must already run behind the authentication middleware.
func RegisterRevocationRoutes(g *echo.Group, store RevocationStore) {
	authGroup := g.Group("/auth", RequireRole(RoleAdmin))

	authGroup.POST("/revoke", handleRevokeToken(store))
	authGroup.POST("/revoke-user", handleRevokeUser(store))
	authGroup.GET("/revocations", handleListRevocations(store))
}

func handleRevokeToken(store RevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = time.Now().Add(1 * time.Hour)
		}

		if err := store.Revoke(c.Request().Context(), req.JTI, req.UserID, req.ExpiresAt); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke token").SetInternal(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func handleRevokeUser(store RevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeUserRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.UserID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
		}

		count, err := store.RevokeAllForUser(c.Request().Context(), req.UserID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke user tokens").SetInternal(err)
		}
		return c.JSON(http.StatusOK, revokeUserResponse{RevokedCount: count})
	}
}

func handleListRevocations(store RevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries, err := store.Entries(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to list revocations").SetInternal(err)
		}
		return c.JSON(http.StatusOK, revocationListResponse{
			Count:   len(entries),
			Entries: entries,
		})
	}
}
