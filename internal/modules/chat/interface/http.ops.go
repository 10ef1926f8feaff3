package transport

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/shared/metrics"
)

// RegisterOpsRoutes mounts /healthz and /metrics.
func RegisterOpsRoutes(e *echo.Echo, presence port.PresenceRegistry) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "online": presence.Count()})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}
