package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"geopresence/internal/device"
	"geopresence/internal/geo"
	"geopresence/internal/presence"
	"geopresence/internal/service"
	"geopresence/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const handshakeTimeout = 10 * time.Second

// upgrader untuk Gorilla
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// origin is checked by the CORS middleware and the token
		return true
	},
}

// GET /api/listen/presence
// Live feed of the presence list for the admin dashboard.
func ListenPresence(hub *ws.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("ws upgrade error: %v", err)
			return err
		}

		client := ws.NewClient(hub, conn)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()

		return nil
	}
}

// Tracking carries what a device session needs to run its controller.
type Tracking struct {
	Store    presence.Writer
	Config   presence.Config
	Sessions *service.SessionRegistry
	// Context is the server lifetime; cancelling it unloads every open
	// session. Nil means sessions only end with their connection.
	Context context.Context
}

// GET /api/track
// The page is the device: it answers locate/watch/prompt requests and
// reports visibility and logout. One controller runs per connection.
func Track(t Tracking) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, ok := c.Get("user_claims").(*service.Claims)
		if !ok {
			return ErrorResponse(c, 401, "Unauthorized", "UNAUTHORIZED", "")
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("ws upgrade error: %v", err)
			return err
		}

		sess := device.NewSession(conn)
		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		hello, err := sess.Handshake()
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			log.Printf("track: %s: %v", claims.SubjectID, err)
			_ = conn.Close()
			return nil
		}

		subject := claims.Subject()
		id := t.Sessions.Open(subject, c.RealIP())
		defer t.Sessions.Close(id)

		var provider geo.Provider
		if hello.Supported {
			provider = sess
		}

		ctrl := presence.NewController(t.Config, presence.Deps{
			Subject:    subject,
			Store:      t.Store,
			Source:     geo.NewSource(provider),
			Consent:    presence.LoadConsentState(sess),
			Prompter:   sess,
			Visibility: sess,
			Visible:    hello.Visible,
			OnConsent: func(res presence.ConsentResult) {
				t.Sessions.SetConsent(id, string(res.Outcome))
				sess.ReportConsent(res)
			},
			OnState: func(st presence.State) {
				t.Sessions.SetState(id, st.String())
				sess.ReportState(st)
			},
		})

		// the request context ends when the handler returns, not when the
		// page goes away, so the session hangs off the server lifetime
		parent := t.Context
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		log.Printf("track: %s connected from %s (consent=%v visible=%v)", subject.ID, c.RealIP(), hello.ConsentGranted, hello.Visible)
		ctrl.Start(ctx)
		if err := sess.Serve(ctx, ctrl); err != nil && !errors.Is(err, context.Canceled) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Printf("track: %s: %v", subject.ID, err)
		}
		<-ctrl.Done()
		log.Printf("track: %s session ended", subject.ID)

		return nil
	}
}

// GET /api/sessions
func ListSessions(sessions *service.SessionRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		list := sessions.List()
		return SuccessResponse(c, 200, "Device sessions retrieved", map[string]interface{}{
			"sessions": list,
			"count":    len(list),
		})
	}
}
