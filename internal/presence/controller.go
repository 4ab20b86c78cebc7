// Package presence runs the per-session tracking loop: consent, one-shot
// and continuous location, heartbeat, visibility and logout handling.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"geopresence/internal/geo"
	"geopresence/internal/model"
)

var ErrWriteFailure = errors.New("presence write failed")

type State int32

const (
	StateIdle State = iota
	StateAwaitingConsent
	StateActive
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Writer is the part of the backing store the controller needs.
type Writer interface {
	Upsert(ctx context.Context, subjectID string, patch model.PresencePatch) error
	Delete(ctx context.Context, subjectID string) error
}

// VisibilitySource is a level-triggered "is the page visible right now".
// Change events still arrive through SetVisible; this is consulted on
// heartbeat ticks in case a change event is late.
type VisibilitySource interface {
	Visible() bool
}

type Config struct {
	HeartbeatInterval  time.Duration
	ConsentPromptDelay time.Duration
	WriteTimeout       time.Duration
	FetchOptions       geo.Options
	WatchOptions       geo.Options
}

type Deps struct {
	Subject    model.Subject
	Store      Writer
	Source     *geo.Source
	Consent    ConsentState
	Prompter   Prompter         // nil skips the in-app question
	Visibility VisibilitySource // optional
	Visible    bool             // foreground at start
	Clock      clock.Clock
	OnConsent  func(ConsentResult)
	OnState    func(State)
}

type fetchPurpose int

const (
	fetchConsent fetchPurpose = iota
	fetchResume
	fetchHeartbeat
)

type eventKind int

const (
	evPromptAnswer eventKind = iota
	evFetchResult
	evWatchFix
	evWatchError
	evVisibility
	evRetry
	evLogout
	evUnload
)

type event struct {
	kind     eventKind
	epoch    uint64
	purpose  fetchPurpose
	pos      geo.Position
	err      error
	accepted bool
	visible  bool
}

// Controller owns one subject's tracking session. All state below the
// mutex-free line is touched only by the loop goroutine.
type Controller struct {
	cfg   Config
	deps  Deps
	clock clock.Clock

	events    chan event
	done      chan struct{}
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	stateV        atomic.Int32
	lastConsent   atomic.Pointer[ConsentResult]
	writeFailures atomic.Int64

	// loop-owned
	state       State
	consent     ConsentState
	gate        consentGate
	visible     bool
	epoch       uint64
	watch       *geo.WatchHandle
	heartbeat   *clock.Ticker
	promptTimer *clock.Timer
}

func NewController(cfg Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		consent: deps.Consent,
		visible: deps.Visible,
	}
	c.stateV.Store(int32(StateIdle))
	return c
}

// Start performs the startup transition synchronously and then runs the
// event loop in its own goroutine. Cancelling ctx behaves like a page
// unload.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		c.begin()
		go c.loop()
	})
}

func (c *Controller) State() State { return State(c.stateV.Load()) }

func (c *Controller) Subject() model.Subject { return c.deps.Subject }

// LastConsent returns the most recent consent outcome, nil before any.
func (c *Controller) LastConsent() *ConsentResult { return c.lastConsent.Load() }

// WriteFailures counts store writes that failed and were swallowed.
func (c *Controller) WriteFailures() int64 { return c.writeFailures.Load() }

// Done is closed once the session reached Terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) SetVisible(visible bool) { c.post(event{kind: evVisibility, visible: visible}) }

// Retry is the manual retry affordance shown after a failed consent.
func (c *Controller) Retry() { c.post(event{kind: evRetry}) }

// Logout ends the session and removes the subject's record.
func (c *Controller) Logout() { c.post(event{kind: evLogout}) }

// Unload ends the session leaving the record marked away.
func (c *Controller) Unload() { c.post(event{kind: evUnload}) }

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) begin() {
	if c.consent.Granted() {
		if c.foreground() {
			c.resume()
			return
		}
		c.write(model.PresencePatch{Status: model.StatusAway})
		c.setState(StateSuspended)
		return
	}

	if c.cfg.ConsentPromptDelay > 0 {
		c.promptTimer = c.clock.Timer(c.cfg.ConsentPromptDelay)
		return
	}
	c.onPromptDue()
}

func (c *Controller) loop() {
	defer close(c.done)
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			c.terminate(false)
		case <-c.timerC():
			c.promptTimer = nil
			c.onPromptDue()
		case <-c.tickerC():
			c.onHeartbeat()
		case ev := <-c.events:
			c.handle(ev)
		}

		if c.state == StateTerminated {
			return
		}
	}
}

// timerC and tickerC return nil channels when disarmed so the select
// simply never picks them.
func (c *Controller) timerC() <-chan time.Time {
	if c.promptTimer == nil {
		return nil
	}
	return c.promptTimer.C
}

func (c *Controller) tickerC() <-chan time.Time {
	if c.heartbeat == nil {
		return nil
	}
	return c.heartbeat.C
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evPromptAnswer:
		c.onPromptAnswer(ev)
	case evFetchResult:
		c.onFetchResult(ev)
	case evWatchFix:
		if c.state != StateActive || ev.epoch != c.epoch {
			return
		}
		c.write(c.fixPatch(ev.pos))
	case evWatchError:
		if ev.epoch == c.epoch {
			log.Printf("presence: %s: watch error: %v", c.deps.Subject.ID, ev.err)
		}
	case evVisibility:
		c.onVisibility(ev.visible)
	case evRetry:
		c.onRetry()
	case evLogout:
		c.terminate(true)
	case evUnload:
		c.terminate(false)
	}
}

func (c *Controller) onPromptDue() {
	if c.state != StateIdle || !c.gate.openAutomatic() {
		return
	}
	c.setState(StateAwaitingConsent)

	if c.deps.Prompter == nil {
		c.fetch(fetchConsent)
		return
	}
	go func(ctx context.Context) {
		ok, err := c.deps.Prompter.PromptConsent(ctx)
		c.post(event{kind: evPromptAnswer, accepted: ok, err: err})
	}(c.ctx)
}

func (c *Controller) onPromptAnswer(ev event) {
	if c.state != StateAwaitingConsent {
		return
	}
	switch {
	case ev.err != nil:
		c.finishConsent(ConsentFailed, ev.err)
	case !ev.accepted:
		c.finishConsent(ConsentDeclined, nil)
	default:
		c.fetch(fetchConsent)
	}
}

func (c *Controller) onRetry() {
	if c.state != StateIdle || !c.gate.openManual() {
		log.Printf("presence: %s: retry ignored in state %s", c.deps.Subject.ID, c.state)
		return
	}
	c.promptTimer = stopTimer(c.promptTimer)
	c.setState(StateAwaitingConsent)
	c.fetch(fetchConsent)
}

// finishConsent closes a failed or declined attempt; nothing is written.
func (c *Controller) finishConsent(outcome ConsentOutcome, err error) {
	c.gate.close()
	c.report(ConsentResult{Outcome: outcome, Err: err})
	c.setState(StateIdle)
}

func (c *Controller) report(res ConsentResult) {
	c.lastConsent.Store(&res)
	if res.Err != nil {
		log.Printf("presence: %s: consent %s: %v", c.deps.Subject.ID, res.Outcome, res.Err)
	}
	if c.deps.OnConsent != nil {
		c.deps.OnConsent(res)
	}
}

func (c *Controller) fetch(purpose fetchPurpose) {
	epoch := c.epoch
	opts := c.cfg.FetchOptions
	go func(ctx context.Context) {
		pos, err := c.deps.Source.FetchOnce(ctx, opts)
		c.post(event{kind: evFetchResult, purpose: purpose, epoch: epoch, pos: pos, err: err})
	}(c.ctx)
}

func (c *Controller) onFetchResult(ev event) {
	if ev.epoch != c.epoch {
		return
	}

	if ev.purpose == fetchConsent {
		if c.state != StateAwaitingConsent {
			return
		}
		if ev.err != nil {
			c.finishConsent(outcomeFor(ev.err), ev.err)
			return
		}
		c.gate.close()
		if err := c.consent.grant(); err != nil {
			log.Printf("presence: %s: saving consent flag: %v", c.deps.Subject.ID, err)
		}
		c.report(ConsentResult{Outcome: ConsentGranted})
		c.write(c.fixPatch(ev.pos))
		c.startTracking()
		c.setState(StateActive)
		return
	}

	if c.state != StateActive {
		return
	}
	if ev.err != nil {
		if ev.purpose == fetchResume && (errors.Is(ev.err, geo.ErrPermissionDenied) || errors.Is(ev.err, geo.ErrUnsupported)) {
			// permission revoked since the flag was stored
			c.stopTracking()
			c.report(ConsentResult{Outcome: outcomeFor(ev.err), Err: ev.err})
			c.setState(StateIdle)
			return
		}
		log.Printf("presence: %s: location fetch failed: %v", c.deps.Subject.ID, ev.err)
		c.write(c.statusPatch())
		return
	}
	c.write(c.fixPatch(ev.pos))
}

func (c *Controller) onHeartbeat() {
	if c.state != StateActive {
		return
	}
	if !c.foreground() {
		c.write(model.PresencePatch{Status: model.StatusAway})
		return
	}
	c.fetch(fetchHeartbeat)
}

func (c *Controller) onVisibility(visible bool) {
	c.visible = visible

	switch {
	case !visible && c.state == StateActive:
		c.stopTracking()
		c.write(model.PresencePatch{Status: model.StatusAway})
		c.setState(StateSuspended)
	case visible && c.state == StateSuspended && c.consent.Granted():
		c.resume()
	case visible && c.state == StateActive:
		// granted while hidden; report connected now rather than at the next tick
		c.fetch(fetchHeartbeat)
	}
}

func (c *Controller) resume() {
	c.startTracking()
	c.setState(StateActive)
	c.fetch(fetchResume)
}

func (c *Controller) startTracking() {
	epoch := c.epoch
	h, err := c.deps.Source.StartWatch(c.cfg.WatchOptions,
		func(p geo.Position) { c.post(event{kind: evWatchFix, epoch: epoch, pos: p}) },
		func(err error) { c.post(event{kind: evWatchError, epoch: epoch, err: err}) },
	)
	if err != nil {
		log.Printf("presence: %s: watch not started: %v", c.deps.Subject.ID, err)
	}
	c.watch = h

	if c.cfg.HeartbeatInterval > 0 {
		c.heartbeat = c.clock.Ticker(c.cfg.HeartbeatInterval)
	}
}

// stopTracking cancels watch and heartbeat and moves to a new epoch so
// results started before this point are ignored.
func (c *Controller) stopTracking() {
	c.deps.Source.StopWatch(c.watch)
	c.watch = nil
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	c.epoch++
}

func (c *Controller) terminate(logout bool) {
	if c.state == StateTerminated {
		return
	}
	c.promptTimer = stopTimer(c.promptTimer)
	c.stopTracking()

	switch {
	case logout:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		if err := c.deps.Store.Delete(ctx, c.deps.Subject.ID); err != nil {
			c.writeFailures.Add(1)
			log.Printf("presence: %s: %v", c.deps.Subject.ID, fmt.Errorf("%w: delete: %v", ErrWriteFailure, err))
		}
	case c.consent.Granted():
		c.write(model.PresencePatch{Status: model.StatusAway})
	}

	c.setState(StateTerminated)
}

func (c *Controller) foreground() bool {
	if !c.visible {
		return false
	}
	return c.deps.Visibility == nil || c.deps.Visibility.Visible()
}

func (c *Controller) currentStatus() model.Status {
	if c.foreground() {
		return model.StatusConnected
	}
	return model.StatusAway
}

func (c *Controller) fixPatch(pos geo.Position) model.PresencePatch {
	subject := c.deps.Subject
	return model.PresencePatch{
		Status:    c.currentStatus(),
		Subject:   &subject,
		Location:  pos.Location(),
		TouchSeen: true,
	}
}

func (c *Controller) statusPatch() model.PresencePatch {
	status := c.currentStatus()
	return model.PresencePatch{Status: status, TouchSeen: status == model.StatusConnected}
}

// write is fire-and-forget from the state machine's point of view: a
// failure is logged and counted, never acted upon.
func (c *Controller) write(patch model.PresencePatch) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	if err := c.deps.Store.Upsert(ctx, c.deps.Subject.ID, patch); err != nil {
		c.writeFailures.Add(1)
		log.Printf("presence: %s: %v", c.deps.Subject.ID, fmt.Errorf("%w: %s: %v", ErrWriteFailure, patch.Status, err))
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.stateV.Store(int32(s))
	if c.deps.OnState != nil {
		c.deps.OnState(s)
	}
}

func stopTimer(t *clock.Timer) *clock.Timer {
	if t != nil {
		t.Stop()
	}
	return nil
}
