package handler

import (
	"time"

	"geopresence/internal/monitor"
	"geopresence/internal/service"
	"geopresence/internal/ws"

	"github.com/labstack/echo/v4"
)

var startedAt = time.Now()

// GET /
func Health(mon *monitor.Monitor, hub *ws.Hub, sessions *service.SessionRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		data := map[string]interface{}{
			"uptime":         time.Since(startedAt).Round(time.Second).String(),
			"deviceSessions": len(sessions.List()),
			"liveClients":    hub.ClientCount(),
			"listenError":    nil,
		}
		if err := mon.Err(); err != nil {
			data["listenError"] = err.Error()
		}
		return SuccessResponse(c, 200, "geopresence is running", data)
	}
}
