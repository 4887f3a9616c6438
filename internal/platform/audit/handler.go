package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/authgateway/internal/platform/auth"
)

// Searcher looks up stored access decisions.
type Searcher interface {
	Search(ctx context.Context, params SearchParams) ([]Record, error)
}

type searchResponse struct {
	Count   int      `json:"count"`
	Entries []Record `json:"entries"`
}

// RegisterRoutes registers GET /auth/audit on g. The endpoint requires the
// ADMIN domain role.
func RegisterRoutes(g *echo.Group, s Searcher) {
	g.GET("/auth/audit", handleSearch(s), auth.RequireRole(auth.RoleAdmin))
}

func handleSearch(s Searcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		var params SearchParams
		err := echo.QueryParamsBinder(c).
			String("user_id", &params.UserID).
			String("decision", &params.Decision).
			Time("since", &params.Since, time.RFC3339).
			Int("limit", &params.Limit).
			BindError()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameters").SetInternal(err)
		}

		records, err := s.Search(c.Request().Context(), params)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to search audit log").SetInternal(err)
		}
		return c.JSON(http.StatusOK, searchResponse{Count: len(records), Entries: records})
	}
}
