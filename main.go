package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geopresence/config"
	"geopresence/database"
	"geopresence/internal/geo"
	"geopresence/internal/handler"
	customMiddleware "geopresence/internal/middleware"
	"geopresence/internal/monitor"
	"geopresence/internal/presence"
	"geopresence/internal/service"
	"geopresence/internal/worker"
	"geopresence/internal/ws"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

func main() {

	// Load .env (abaikan error kalau file tidak ada, misal di production)
	_ = godotenv.Load()

	cfg := config.Load()

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	service.InitAuthConfig(cfg.JWTSecret, cfg.AdminPINHash)
	if cfg.AdminPINHash == "" {
		log.Println("ADMIN_PIN_HASH is not set, presence deletion is disabled")
	}

	runCreateSchema := len(os.Args) > 1 && os.Args[1] == "--createschema"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := database.OpenPresenceStore(ctx, cfg, runCreateSchema)
	if err != nil {
		log.Fatalf("Failed to open presence store: %v", err)
	}
	defer st.Close()

	hub := ws.NewHub()
	go hub.Run()

	mon := monitor.New(st, monitor.Options{
		RetryDelay: cfg.MonitorRetryDelay,
		StaleAfter: cfg.StaleAfter,
		Maps:       monitor.NewStaticMapRenderer(cfg.MapAPIKey),
		Publisher:  hub,
	})
	go func() {
		if err := mon.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("monitor stopped: %v", err)
		}
	}()
	if cfg.MapAPIKey == "" {
		log.Println("MAP_API_KEY is not set, maps will show an inline error")
	}

	sweeper := worker.NewPresenceSweeper(st, nil, cfg.SweeperInterval, cfg.StaleAfter)
	go sweeper.Run(ctx)

	sessions := service.NewSessionRegistry(hub)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	if len(cfg.CORSAllowOrigins) == 0 {
		log.Println("CORS_ALLOW_ORIGINS is not set")
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSAllowOrigins,
		AllowMethods: []string{
			echo.GET,
			echo.POST,
			echo.DELETE,
			echo.OPTIONS,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderXRequestedWith,
			echo.HeaderAuthorization,
		},
		AllowCredentials: true,
	}))
	e.OPTIONS("/*", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimitPerSecond),
				Burst:     cfg.RateLimitBurst,
				ExpiresIn: cfg.RateLimitWindow,
			},
		),
	}))

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := "Internal Server Error"

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			message = fmt.Sprintf("%v", he.Message)
		}
		response := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		switch code {
		case http.StatusUnauthorized:
			response["message"] = "Authentication required. Please login first."
		case http.StatusMethodNotAllowed:
			response["message"] = "Method not allowed for this endpoint"
		case http.StatusNotFound:
			response["message"] = "Endpoint not found"
		}

		c.JSON(code, response)
	}

	e.GET("/", handler.Health(mon, hub, sessions)) // Health check

	api := e.Group("/api", customMiddleware.JWTAuthMiddleware())

	// Presence (admin dashboard)
	api.GET("/presence", handler.ListPresence(st, mon), customMiddleware.RequireAdmin)
	api.GET("/presence/export", handler.ExportPresence(st, mon), customMiddleware.RequireAdmin)
	api.GET("/presence/:subjectId", handler.GetPresence(st, mon), customMiddleware.RequireSelfOrAdmin())
	api.DELETE("/presence/:subjectId", handler.DeletePresence(st), customMiddleware.RequireAdmin)
	api.GET("/listen/presence", handler.ListenPresence(hub), customMiddleware.RequireAdmin)
	api.GET("/sessions", handler.ListSessions(sessions), customMiddleware.RequireAdmin)

	// Device sessions (every logged-in page, optionally limited by TRACK_ROLES)
	var trackMiddleware []echo.MiddlewareFunc
	if len(cfg.TrackRoles) > 0 {
		trackMiddleware = append(trackMiddleware, customMiddleware.RequireRole(cfg.TrackRoles...))
	}
	api.GET("/track", handler.Track(handler.Tracking{
		Store: st,
		Config: presence.Config{
			HeartbeatInterval:  cfg.HeartbeatInterval,
			ConsentPromptDelay: cfg.ConsentPromptDelay,
			WriteTimeout:       cfg.WriteTimeout,
			FetchOptions: geo.Options{
				HighAccuracy: cfg.LocationHighAccuracy,
				Timeout:      cfg.LocationTimeout,
			},
			WatchOptions: geo.Options{
				HighAccuracy: cfg.LocationHighAccuracy,
				Timeout:      cfg.LocationTimeout,
				MaximumAge:   cfg.WatchMaxCacheAge,
			},
		},
		Sessions: sessions,
		Context:  ctx,
	}), trackMiddleware...)

	if cfg.BaseURL == "" {
		log.Println("BASEURL is not set")
	}

	// log info untuk cek config
	log.Printf("Server starting on port %s, baseURL=%s, store=%s, heartbeat=%s",
		cfg.Port, cfg.BaseURL, cfg.StoreDriver, cfg.HeartbeatInterval)

	go func() {
		// bind ke semua interface, bukan hanya 127.0.0.1
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// device sessions write their unload status before the store closes
	for len(sessions.List()) > 0 && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server shutdown complete.")
}
