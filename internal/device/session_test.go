package device

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"geopresence/internal/geo"
	"geopresence/internal/model"
	"geopresence/internal/presence"
	"geopresence/internal/store"
)

// pipeConn stands in for the websocket: the test plays the page.
type pipeConn struct {
	toServer chan Message
	toPage   chan Message
	done     chan struct{}
	once     sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toServer: make(chan Message, 32),
		toPage:   make(chan Message, 32),
		done:     make(chan struct{}),
	}
}

func (c *pipeConn) ReadJSON(v interface{}) error {
	select {
	case m := <-c.toServer:
		*v.(*Message) = m
		return nil
	case <-c.done:
		return io.EOF
	}
}

func (c *pipeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.toPage <- v.(Message):
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// page answers prompts and locate requests like a cooperative browser and
// records everything else it receives.
type page struct {
	conn   *pipeConn
	accept bool
	fix    Message

	mu   sync.Mutex
	seen []Message
}

func (p *page) run() {
	for {
		select {
		case m := <-p.conn.toPage:
			p.mu.Lock()
			p.seen = append(p.seen, m)
			p.mu.Unlock()

			switch m.Type {
			case TypeConsentPrompt:
				p.conn.toServer <- Message{Type: TypeConsent, RequestID: m.RequestID, Granted: boolPtr(p.accept)}
			case TypeLocate:
				reply := p.fix
				reply.RequestID = m.RequestID
				p.conn.toServer <- reply
			}
		case <-p.conn.done:
			return
		}
	}
}

func (p *page) received(typ string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.seen {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want Hello
		err  error
	}{
		{"defaults", Message{Type: TypeHello}, Hello{Supported: true, Visible: true}, nil},
		{"hidden with consent", Message{Type: TypeHello, Visible: boolPtr(false), ConsentGranted: true}, Hello{Supported: true, ConsentGranted: true}, nil},
		{"no geolocation", Message{Type: TypeHello, Supported: boolPtr(false)}, Hello{Visible: true}, nil},
		{"wrong first message", Message{Type: TypeLogout}, Hello{}, ErrBadHandshake},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := newPipeConn()
			conn.toServer <- tc.msg
			got, err := NewSession(conn).Handshake()
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if got != tc.want {
				t.Errorf("hello = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSession_CurrentPositionErrors(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{CodePermissionDenied, geo.ErrPermissionDenied},
		{CodeTimeout, geo.ErrTimeout},
		{CodeUnsupported, geo.ErrUnsupported},
		{"kaput", geo.ErrPositionUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			conn := newPipeConn()
			defer conn.Close()
			conn.toServer <- Message{Type: TypeHello}
			s := NewSession(conn)
			if _, err := s.Handshake(); err != nil {
				t.Fatal(err)
			}
			p := &page{conn: conn, fix: Message{Type: TypePositionError, Code: tc.code}}
			go p.run()
			go func() { _ = s.Serve(context.Background(), nopInputs{}) }()

			_, err := geo.NewSource(s).FetchOnce(context.Background(), geo.Options{Timeout: time.Second})
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSession_UnsupportedDevice(t *testing.T) {
	conn := newPipeConn()
	conn.toServer <- Message{Type: TypeHello, Supported: boolPtr(false)}
	s := NewSession(conn)
	if _, err := s.Handshake(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CurrentPosition(context.Background(), geo.Options{}); !errors.Is(err, geo.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if _, err := s.WatchPosition(geo.Options{}, func(geo.Position) {}, nil); !errors.Is(err, geo.ErrUnsupported) {
		t.Errorf("watch err = %v, want ErrUnsupported", err)
	}
}

func TestSession_PendingRequestFailsOnClose(t *testing.T) {
	conn := newPipeConn()
	conn.toServer <- Message{Type: TypeHello}
	s := NewSession(conn)
	if _, err := s.Handshake(); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.PromptConsent(context.Background())
		errc <- err
	}()
	<-conn.toPage // the prompt went out; nobody answers

	_ = s.Close()
	if err := <-errc; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

type nopInputs struct{}

func (nopInputs) SetVisible(bool) {}
func (nopInputs) Logout()         {}
func (nopInputs) Unload()         {}

func startTracked(t *testing.T, hello Message, accept bool) (*pipeConn, *page, *store.Memory, *presence.Controller) {
	t.Helper()

	conn := newPipeConn()
	conn.toServer <- hello
	s := NewSession(conn)
	h, err := s.Handshake()
	if err != nil {
		t.Fatal(err)
	}

	p := &page{conn: conn, accept: accept, fix: Message{Type: TypePosition, Latitude: -12.05, Longitude: -77.03, Accuracy: 15}}
	go p.run()

	mem := store.NewMemory(nil)
	var provider geo.Provider = s
	if !h.Supported {
		provider = nil
	}
	ctrl := presence.NewController(presence.Config{
		HeartbeatInterval: time.Hour,
		WriteTimeout:      time.Second,
		FetchOptions:      geo.Options{HighAccuracy: true, Timeout: time.Second},
		WatchOptions:      geo.Options{HighAccuracy: true, MaximumAge: 30 * time.Second},
	}, presence.Deps{
		Subject:    model.Subject{ID: "tech-7", DisplayName: "Rosa Quispe", Role: "tecnico"},
		Store:      mem,
		Source:     geo.NewSource(provider),
		Consent:    presence.LoadConsentState(s),
		Prompter:   s,
		Visibility: s,
		Visible:    h.Visible,
		OnConsent:  s.ReportConsent,
		OnState:    s.ReportState,
	})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	ctrl.Start(ctx)
	go func() {
		_ = s.Serve(ctx, ctrl)
		close(served)
	}()
	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
		<-served
	})
	return conn, p, mem, ctrl
}

func TestTrackedPage_ConsentWatchHideLogout(t *testing.T) {
	conn, p, mem, ctrl := startTracked(t, Message{Type: TypeHello}, true)

	eventually(t, "active", func() bool { return ctrl.State() == presence.StateActive })

	rec, err := mem.Get(context.Background(), "tech-7")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusConnected || rec.Location == nil || rec.Location.AccuracyMeters != 15 {
		t.Fatalf("unexpected record %+v", rec)
	}
	eventually(t, "consent saved", func() bool { return len(p.received(TypeConsentSaved)) == 1 })
	eventually(t, "consent result", func() bool {
		r := p.received(TypeConsentResult)
		return len(r) == 1 && r[0].Outcome == string(presence.ConsentGranted)
	})

	starts := p.received(TypeWatchStart)
	if len(starts) != 1 || starts[0].MaximumAgeMs != 30000 {
		t.Fatalf("watch_start = %+v", starts)
	}

	conn.toServer <- Message{Type: TypePosition, WatchID: starts[0].WatchID, Latitude: -12.06, Longitude: -77.04, Accuracy: 9}
	eventually(t, "watch fix stored", func() bool {
		r, _ := mem.Get(context.Background(), "tech-7")
		return r != nil && r.Location != nil && r.Location.AccuracyMeters == 9
	})

	conn.toServer <- Message{Type: TypeVisibility, Visible: boolPtr(false)}
	eventually(t, "suspended", func() bool { return ctrl.State() == presence.StateSuspended })
	eventually(t, "watch stopped", func() bool { return len(p.received(TypeWatchStop)) == 1 })
	if r, _ := mem.Get(context.Background(), "tech-7"); r.Status != model.StatusAway || r.Location == nil {
		t.Fatalf("hidden page record = %+v", r)
	}

	conn.toServer <- Message{Type: TypeLogout}
	<-ctrl.Done()
	if _, err := mem.Get(context.Background(), "tech-7"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("logout must delete the record, got %v", err)
	}
}

func TestTrackedPage_DeclinedPrompt(t *testing.T) {
	_, p, mem, ctrl := startTracked(t, Message{Type: TypeHello}, false)

	eventually(t, "declined", func() bool {
		r := p.received(TypeConsentResult)
		return len(r) == 1 && r[0].Outcome == string(presence.ConsentDeclined)
	})
	if ctrl.State() != presence.StateIdle {
		t.Errorf("state = %s, want idle", ctrl.State())
	}
	if len(p.received(TypeLocate)) != 0 || len(mem.Ops()) != 0 {
		t.Error("declined prompt must not locate or write")
	}
}

func TestTrackedPage_DisconnectLeavesAway(t *testing.T) {
	conn, _, mem, ctrl := startTracked(t, Message{Type: TypeHello, ConsentGranted: true}, true)

	eventually(t, "connected", func() bool {
		r, _ := mem.Get(context.Background(), "tech-7")
		return r != nil && r.Status == model.StatusConnected
	})

	_ = conn.Close()
	<-ctrl.Done()

	r, err := mem.Get(context.Background(), "tech-7")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != model.StatusAway {
		t.Errorf("dropped connection status = %s, want away", r.Status)
	}
}
