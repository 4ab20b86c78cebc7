package service

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"geopresence/internal/model"
	"geopresence/internal/ws"
)

// DeviceSession describes one connected tracking page.
type DeviceSession struct {
	ID         string        `json:"id"`
	Subject    model.Subject `json:"subject"`
	RemoteAddr string        `json:"remoteAddr"`
	State      string        `json:"state"`
	Consent    string        `json:"consent,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
}

// SessionRegistry keeps the device sessions served by this process.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*DeviceSession
	pub      ws.RealtimePublisher
}

func NewSessionRegistry(pub ws.RealtimePublisher) *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*DeviceSession), pub: pub}
}

func (r *SessionRegistry) Open(subject model.Subject, remoteAddr string) string {
	s := &DeviceSession{
		ID:         uuid.NewString(),
		Subject:    subject,
		RemoteAddr: remoteAddr,
		State:      "idle",
		StartedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.publish(ws.EventSessionOpened, *s)
	return s.ID
}

func (r *SessionRegistry) SetState(id, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.State = state
	}
}

func (r *SessionRegistry) SetConsent(id, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Consent = outcome
	}
}

func (r *SessionRegistry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		r.publish(ws.EventSessionClosed, *s)
	}
}

// List returns the open sessions, oldest first.
func (r *SessionRegistry) List() []DeviceSession {
	r.mu.RLock()
	out := make([]DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *SessionRegistry) publish(event string, s DeviceSession) {
	if r.pub != nil {
		r.pub.Publish(ws.WsEvent{Event: event, Data: s})
	}
}
