package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"geopresence/internal/device"
	"geopresence/internal/geo"
	"geopresence/internal/middleware"
	"geopresence/internal/model"
	"geopresence/internal/presence"
	"geopresence/internal/service"
	"geopresence/internal/store"
	"geopresence/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTrack_EndToEnd(t *testing.T) {
	service.InitAuthConfig("track-secret", "")
	mem := store.NewMemory(nil)
	sessions := service.NewSessionRegistry(nil)

	e := echo.New()
	api := e.Group("/api", middleware.JWTAuthMiddleware())
	api.GET("/track", Track(Tracking{
		Store: mem,
		Config: presence.Config{
			HeartbeatInterval: time.Hour,
			WriteTimeout:      time.Second,
			FetchOptions:      geo.Options{HighAccuracy: true, Timeout: 2 * time.Second},
		},
		Sessions: sessions,
	}))
	api.GET("/sessions", ListSessions(sessions), middleware.RequireAdmin)

	srv := httptest.NewServer(e)
	defer srv.Close()

	token, _ := service.GenerateAccessToken(model.Subject{ID: "tech-7", DisplayName: "Rosa Quispe", Role: "tecnico"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/track?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// the page already granted consent on a previous visit
	if err := conn.WriteJSON(device.Message{Type: device.TypeHello, ConsentGranted: true}); err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !(got[device.TypeLocate] && got[device.TypeWatchStart]) {
		var m device.Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("reading from server: %v", err)
		}
		got[m.Type] = true
		if m.Type == device.TypeLocate {
			reply := device.Message{Type: device.TypePosition, RequestID: m.RequestID, Latitude: -12.05, Longitude: -77.03, Accuracy: 15}
			if err := conn.WriteJSON(reply); err != nil {
				t.Fatal(err)
			}
		}
	}

	waitFor(t, "connected record", func() bool {
		r, err := mem.Get(context.Background(), "tech-7")
		return err == nil && r.Status == model.StatusConnected && r.Location != nil && r.Location.AccuracyMeters == 15
	})

	adminToken, _ := service.GenerateAccessToken(model.Subject{ID: "boss", Role: service.RoleAdmin})
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env struct {
		Data struct {
			Count    int `json:"count"`
			Sessions []struct {
				State string `json:"state"`
			} `json:"sessions"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Data.Count != 1 || env.Data.Sessions[0].State != "active" {
		t.Errorf("sessions = %s", rec.Body.String())
	}

	if err := conn.WriteJSON(device.Message{Type: device.TypeLogout}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "record deleted", func() bool {
		_, err := mem.Get(context.Background(), "tech-7")
		return err == store.ErrNotFound
	})
	_ = conn.Close()
	waitFor(t, "session closed", func() bool { return len(sessions.List()) == 0 })
}

func TestTrack_RejectsMissingToken(t *testing.T) {
	service.InitAuthConfig("track-secret", "")
	e := echo.New()
	e.GET("/api/track", Track(Tracking{Store: store.NewMemory(nil), Sessions: service.NewSessionRegistry(nil)}), middleware.JWTAuthMiddleware())

	req := httptest.NewRequest("GET", "/api/track", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestListenPresence_ReceivesSnapshot(t *testing.T) {
	hub := ws.NewHub()
	go hub.Run()

	e := echo.New()
	e.GET("/api/listen/presence", ListenPresence(hub))
	srv := httptest.NewServer(e)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/listen/presence", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "client registered", func() bool { return hub.ClientCount() == 1 })

	hub.Publish(ws.WsEvent{Event: ws.EventPresenceSnapshot, Data: []string{"tech-7"}})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev ws.WsEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Event != ws.EventPresenceSnapshot || ev.Timestamp.IsZero() {
		t.Errorf("event = %+v", ev)
	}
}

func TestTrack_RestrictedToTrackedRoles(t *testing.T) {
	service.InitAuthConfig("track-secret", "")
	e := echo.New()
	api := e.Group("/api", middleware.JWTAuthMiddleware())
	api.GET("/track", Track(Tracking{Store: store.NewMemory(nil), Sessions: service.NewSessionRegistry(nil)}),
		middleware.RequireRole("tecnico"))

	token, _ := service.GenerateAccessToken(model.Subject{ID: "guest", Role: "cliente"})
	req := httptest.NewRequest("GET", "/api/track?token="+token, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != 403 {
		t.Errorf("status %d, want 403", rec.Code)
	}
}

func TestTrack_ServerShutdownUnloadsSessions(t *testing.T) {
	service.InitAuthConfig("track-secret", "")
	mem := store.NewMemory(nil)
	sessions := service.NewSessionRegistry(nil)
	serverCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	e := echo.New()
	api := e.Group("/api", middleware.JWTAuthMiddleware())
	api.GET("/track", Track(Tracking{
		Store: mem,
		Config: presence.Config{
			HeartbeatInterval: time.Hour,
			WriteTimeout:      time.Second,
			FetchOptions:      geo.Options{Timeout: 2 * time.Second},
		},
		Sessions: sessions,
		Context:  serverCtx,
	}))
	srv := httptest.NewServer(e)
	defer srv.Close()

	token, _ := service.GenerateAccessToken(model.Subject{ID: "tech-7", Role: "tecnico"})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/track?token="+token, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(device.Message{Type: device.TypeHello, ConsentGranted: true}); err != nil {
		t.Fatal(err)
	}

	// answer locate requests in the background; the page stays open
	go func() {
		for {
			var m device.Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			if m.Type == device.TypeLocate {
				_ = conn.WriteJSON(device.Message{Type: device.TypePosition, RequestID: m.RequestID, Latitude: -12.05, Longitude: -77.03, Accuracy: 15})
			}
		}
	}()

	waitFor(t, "connected record", func() bool {
		r, err := mem.Get(context.Background(), "tech-7")
		return err == nil && r.Status == model.StatusConnected
	})

	shutdown()

	waitFor(t, "session closed", func() bool { return len(sessions.List()) == 0 })
	r, err := mem.Get(context.Background(), "tech-7")
	if err != nil || r.Status != model.StatusAway || r.Location == nil {
		t.Errorf("after shutdown got %+v, %v; want away with location kept", r, err)
	}
}
