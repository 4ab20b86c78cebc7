package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"geopresence/internal/geo"
	"geopresence/internal/presence"
)

var (
	ErrSessionClosed = errors.New("device session closed")
	ErrBadHandshake  = errors.New("device did not send hello")
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Inputs receives the page's lifecycle signals. *presence.Controller
// satisfies it.
type Inputs interface {
	SetVisible(visible bool)
	Logout()
	Unload()
}

// Hello is what the page reports about itself when it connects.
type Hello struct {
	Supported      bool
	Visible        bool
	ConsentGranted bool
}

type watch struct {
	onPosition func(geo.Position)
	onError    func(error)
}

// Session is one connected page. It is the geolocation provider, the
// consent prompter, the consent store and the visibility source for the
// controller that tracks it.
type Session struct {
	conn    Conn
	writeMu sync.Mutex

	hello   Hello
	visible atomic.Bool

	mu      sync.Mutex
	pending map[string]chan Message
	watches map[geo.WatchID]watch

	closed    chan struct{}
	closeOnce sync.Once
}

func NewSession(conn Conn) *Session {
	return &Session{
		conn:    conn,
		pending: make(map[string]chan Message),
		watches: make(map[geo.WatchID]watch),
		closed:  make(chan struct{}),
	}
}

// Handshake reads the hello message. Missing fields default to a visible
// page with geolocation support.
func (s *Session) Handshake() (Hello, error) {
	var m Message
	if err := s.conn.ReadJSON(&m); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if m.Type != TypeHello {
		return Hello{}, fmt.Errorf("%w: got %q", ErrBadHandshake, m.Type)
	}

	h := Hello{Supported: true, Visible: true, ConsentGranted: m.ConsentGranted}
	if m.Supported != nil {
		h.Supported = *m.Supported
	}
	if m.Visible != nil {
		h.Visible = *m.Visible
	}
	s.hello = h
	s.visible.Store(h.Visible)
	return h, nil
}

func (s *Session) Hello() Hello { return s.hello }

// Serve reads messages until logout, a connection failure or the end of
// ctx, forwarding lifecycle signals to in. A dropped connection is
// reported as Unload.
func (s *Session) Serve(ctx context.Context, in Inputs) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.closed:
		}
	}()
	defer s.shutdown()

	for {
		var m Message
		if err := s.conn.ReadJSON(&m); err != nil {
			in.Unload()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch m.Type {
		case TypePosition, TypePositionError:
			s.deliverPosition(m)
		case TypeConsent:
			s.resolve(m)
		case TypeVisibility:
			if m.Visible != nil {
				s.visible.Store(*m.Visible)
				in.SetVisible(*m.Visible)
			}
		case TypeLogout:
			in.Logout()
			return nil
		default:
			log.Printf("device: ignoring message type %q", m.Type)
		}
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Close ends the session; pending requests fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

func (s *Session) send(m Message) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(m)
}

func (s *Session) deliverPosition(m Message) {
	if m.RequestID != "" {
		s.resolve(m)
		return
	}

	s.mu.Lock()
	w, ok := s.watches[geo.WatchID(m.WatchID)]
	s.mu.Unlock()
	if !ok {
		return
	}
	if m.Type == TypePositionError {
		if w.onError != nil {
			w.onError(m.positionError())
		}
		return
	}
	w.onPosition(m.position())
}

func (s *Session) resolve(m Message) {
	s.mu.Lock()
	ch, ok := s.pending[m.RequestID]
	delete(s.pending, m.RequestID)
	s.mu.Unlock()
	if ok {
		ch <- m
	}
}

// request sends m with a fresh requestId and waits for the reply.
func (s *Session) request(ctx context.Context, m Message) (Message, error) {
	m.RequestID = uuid.NewString()
	ch := make(chan Message, 1)

	s.mu.Lock()
	s.pending[m.RequestID] = ch
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		delete(s.pending, m.RequestID)
		s.mu.Unlock()
	}

	if err := s.send(m); err != nil {
		drop()
		return Message{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		drop()
		return Message{}, ctx.Err()
	case <-s.closed:
		drop()
		return Message{}, ErrSessionClosed
	}
}

// CurrentPosition implements geo.Provider.
func (s *Session) CurrentPosition(ctx context.Context, opts geo.Options) (geo.Position, error) {
	if !s.hello.Supported {
		return geo.Position{}, geo.ErrUnsupported
	}
	reply, err := s.request(ctx, withOptions(Message{Type: TypeLocate}, opts))
	if err != nil {
		return geo.Position{}, err
	}
	if reply.Type == TypePositionError {
		return geo.Position{}, reply.positionError()
	}
	return reply.position(), nil
}

// WatchPosition implements geo.Provider.
func (s *Session) WatchPosition(opts geo.Options, onPosition func(geo.Position), onError func(error)) (geo.WatchID, error) {
	if !s.hello.Supported {
		return "", geo.ErrUnsupported
	}
	id := geo.WatchID(uuid.NewString())

	s.mu.Lock()
	s.watches[id] = watch{onPosition: onPosition, onError: onError}
	s.mu.Unlock()

	if err := s.send(withOptions(Message{Type: TypeWatchStart, WatchID: string(id)}, opts)); err != nil {
		s.mu.Lock()
		delete(s.watches, id)
		s.mu.Unlock()
		return "", err
	}
	return id, nil
}

// ClearWatch implements geo.Provider.
func (s *Session) ClearWatch(id geo.WatchID) {
	s.mu.Lock()
	_, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()

	if ok {
		if err := s.send(Message{Type: TypeWatchStop, WatchID: string(id)}); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Printf("device: watch_stop %s: %v", id, err)
		}
	}
}

// PromptConsent implements presence.Prompter.
func (s *Session) PromptConsent(ctx context.Context) (bool, error) {
	reply, err := s.request(ctx, Message{Type: TypeConsentPrompt})
	if err != nil {
		return false, err
	}
	return reply.Granted != nil && *reply.Granted, nil
}

// LoadConsent implements presence.ConsentStore with the flag from hello.
func (s *Session) LoadConsent() (bool, error) { return s.hello.ConsentGranted, nil }

// SaveConsent asks the page to persist the flag in its local storage.
func (s *Session) SaveConsent(granted bool) error {
	return s.send(Message{Type: TypeConsentSaved, Granted: boolPtr(granted)})
}

// Visible implements presence.VisibilitySource.
func (s *Session) Visible() bool { return s.visible.Load() }

// ReportConsent forwards a consent outcome so the page can show the
// confirmation or the permission-denied panel.
func (s *Session) ReportConsent(res presence.ConsentResult) {
	m := Message{Type: TypeConsentResult, Outcome: string(res.Outcome)}
	if res.Err != nil {
		m.Error = res.Err.Error()
	}
	if err := s.send(m); err != nil && !errors.Is(err, ErrSessionClosed) {
		log.Printf("device: consent_result: %v", err)
	}
}

// ReportState forwards controller state changes.
func (s *Session) ReportState(st presence.State) {
	if err := s.send(Message{Type: TypeState, State: st.String()}); err != nil && !errors.Is(err, ErrSessionClosed) {
		log.Printf("device: state: %v", err)
	}
}
