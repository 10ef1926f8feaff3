package transport

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chatRelayWs/internal/modules/chat/application/handler"
	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/shared/auth"
	"chatRelayWs/internal/shared/httputil"
)

var internalErrors = httputil.NewErrorMapper(
	httputil.Rule{Target: domain.ErrValidation, Status: http.StatusBadRequest, Message: "invalid request"},
	httputil.Rule{Target: domain.ErrAuthorization, Status: http.StatusForbidden, Message: "forbidden"},
	httputil.Rule{Target: domain.ErrDeliveryFailed, Status: http.StatusServiceUnavailable, Message: "delivery failed"},
)

// RegisterInternalRoutes mounts the collaborator endpoints under g. Every route requires
// the shared bearer token.
func RegisterInternalRoutes(g *echo.Group, token string, notifier handler.Notifier, topology handler.GroupTopology) {
	g.Use(RequireToken(token))
	g.POST("/notices", newNoticeHandler(notifier))
	g.PUT("/groups/:groupId/members/:userId", newGroupHandler(topology, domain.GroupMemberJoined))
	g.DELETE("/groups/:groupId/members/:userId", newGroupHandler(topology, domain.GroupMemberLeft))
	g.DELETE("/groups/:groupId", newGroupHandler(topology, domain.GroupDismissed))
}

// RequireToken rejects requests whose bearer token differs from token. An empty token
// rejects everything.
func RequireToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("internal api unauthorized", slog.String("ip", c.RealIP()), slog.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
			}
			return next(c)
		}
	}
}

func newNoticeHandler(notifier handler.Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req domain.NoticeRequest
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := notifier.Notify(c.Request().Context(), req.To, req.Type, req.Data); err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func newGroupHandler(topology handler.GroupTopology, eventType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ev := domain.GroupEvent{Type: eventType, UserID: c.Param("userId"), GroupID: c.Param("groupId")}
		if err := handler.Apply(c.Request().Context(), topology, ev); err != nil {
			return mapError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func mapError(err error) error {
	httpErr := internalErrors.HTTPError(err)
	if httpErr.Code >= http.StatusInternalServerError {
		slog.Error("internal api failed", slog.Int("status", httpErr.Code), slog.Any("error", err))
	}
	return httpErr
}
