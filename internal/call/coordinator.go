// Package call implements the per-user ephemeral state machine for live
// call negotiation on top of the signal bus. A coordinator holds at most
// one in-flight session (Idle -> RingingOut/RingingIn -> Active -> Idle)
// and never persists anything: a missed or failed attempt leaves no trace
// beyond the still-Accepted scheduled-call request that can be retried.
//
// Every inbound signal is keyed by channel; signals that do not match the
// current session's channel and state are silently discarded. That one rule
// resolves the cancel/accept races: a late call_accepted after the caller
// reverted to Idle is a no-op, and a callee that accepted an already
// canceled call drops back to Idle when the stale channel's call_ended
// arrives.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/veilmatch/go-consent-backend/internal/schedule"
	"github.com/veilmatch/go-consent-backend/internal/signal"
)

// DefaultRingTimeout bounds how long RingingOut/RingingIn may last before
// the coordinator reverts to Idle on its own clock. The counterpart is not
// informed; it times out (or is dismissed) independently.
const DefaultRingTimeout = 45 * time.Second

var (
	// ErrBusy: a session is already in flight; Initiate requires Idle.
	ErrBusy = errors.New("call already in progress")
	// ErrOutsideRingWindow: the scheduled call is outside its ring window.
	ErrOutsideRingWindow = errors.New("outside the ring window")
	// ErrNotRinging: Accept/Reject require RingingIn, Cancel requires RingingOut.
	ErrNotRinging = errors.New("no ringing call")
	// ErrNotActive: End requires Active.
	ErrNotActive = errors.New("no active call")
	// ErrStopped: the coordinator's event loop is not running.
	ErrStopped = errors.New("coordinator stopped")
)

// callOutcomes counts terminal outcomes of call attempts observed locally.
var callOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "call_attempt_outcomes_total",
		Help: "Terminal outcomes of live call attempts, as seen by one side.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(callOutcomes)
}

// State is the coordinator's lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateRingingOut State = "ringing_out"
	StateRingingIn  State = "ringing_in"
	StateActive     State = "active"
)

// Role distinguishes which side of the session this coordinator is.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Session describes the single in-flight call attempt.
type Session struct {
	Channel  string
	CallerID string
	CalleeID string
	Role     Role
	// CallerDisplay carries the caller's display identity for ring UI on
	// the callee side.
	CallerDisplay string
}

// peer returns the counterparty's user ID.
func (s *Session) peer() string {
	if s.Role == RoleCaller {
		return s.CalleeID
	}
	return s.CallerID
}

// cmdKind enumerates local user actions fed into the event loop.
type cmdKind int

const (
	cmdInitiate cmdKind = iota
	cmdAccept
	cmdReject
	cmdCancel
	cmdEnd
)

type command struct {
	kind        cmdKind
	calleeID    string
	channel     string
	scheduledAt time.Time
	reply       chan error
}

// Coordinator runs the state machine for one user. All mutation happens on
// the event loop goroutine started by Run; public methods enqueue commands
// and inbound bus signals are consumed from the user's subscription. The
// loop never blocks on network I/O: publishes are fire-and-forget, and a
// failed publish degrades to the ring timeout.
type Coordinator struct {
	userID  string
	display string
	bus     signal.Bus
	log     zerolog.Logger

	// RingTimeout reverts RingingOut/RingingIn to Idle locally. Zero means
	// DefaultRingTimeout. Set before Run.
	RingTimeout time.Duration
	// OnStateChange, when set before Run, is invoked from the event loop on
	// every transition with the new state and session (nil when Idle).
	OnStateChange func(State, *Session)

	now  func() time.Time
	cmds chan command
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	state   State
	session *Session
}

// New constructs a Coordinator for userID. display is the identity shown to
// callees while ringing.
func New(userID, display string, bus signal.Bus, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		userID: userID,
		display: display,
		bus:    bus,
		log:    log.With().Str("user_id", userID).Logger(),
		now:    time.Now,
		cmds:   make(chan command),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// Run subscribes to the bus and drives the event loop until ctx is canceled
// or the bus shuts the subscription down. It must be called exactly once;
// the in-flight session, if any, is abandoned on return (ephemeral by
// design).
func (c *Coordinator) Run(ctx context.Context) {
	defer c.once.Do(func() { close(c.done) })

	sub := c.bus.Subscribe(c.userID)
	defer sub.Cancel()

	timeout := c.RingTimeout
	if timeout <= 0 {
		timeout = DefaultRingTimeout
	}
	timer := time.NewTimer(timeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	armed := false
	arm := func() {
		if armed && !timer.Stop() {
			<-timer.C
		}
		timer.Reset(timeout)
		armed = true
	}
	disarm := func() {
		if armed && !timer.Stop() {
			<-timer.C
		}
		armed = false
	}

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-c.cmds:
			cmd.reply <- c.handleCommand(ctx, cmd, arm, disarm)

		case sig, ok := <-sub.C:
			if !ok {
				return
			}
			c.handleSignal(sig, arm, disarm)

		case <-timer.C:
			armed = false
			c.handleTimeout()
		}
	}
}

// State returns the current lifecycle position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the in-flight session, or nil when Idle.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Initiate starts ringing calleeID on the given channel (the accepted
// scheduled-call request id). It is allowed only from Idle and only while
// schedule.CanRing holds for scheduledAt.
func (c *Coordinator) Initiate(ctx context.Context, calleeID, channel string, scheduledAt time.Time) error {
	return c.do(ctx, command{kind: cmdInitiate, calleeID: calleeID, channel: channel, scheduledAt: scheduledAt})
}

// Accept answers the ringing call (callee, from RingingIn).
func (c *Coordinator) Accept(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdAccept})
}

// Reject declines the ringing call (callee, from RingingIn).
func (c *Coordinator) Reject(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdReject})
}

// Cancel withdraws an outgoing ring (caller, from RingingOut).
func (c *Coordinator) Cancel(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdCancel})
}

// End hangs up an active call (either side, from Active).
func (c *Coordinator) End(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdEnd})
}

// do enqueues a command on the event loop and waits for its verdict.
func (c *Coordinator) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleCommand applies a local user action. Runs on the event loop.
func (c *Coordinator) handleCommand(ctx context.Context, cmd command, arm, disarm func()) error {
	switch cmd.kind {
	case cmdInitiate:
		if c.State() != StateIdle {
			return ErrBusy
		}
		if !schedule.CanRing(cmd.scheduledAt, c.now()) {
			return ErrOutsideRingWindow
		}
		s := &Session{
			Channel:  cmd.channel,
			CallerID: c.userID,
			CalleeID: cmd.calleeID,
			Role:     RoleCaller,
		}
		c.publish(ctx, cmd.calleeID, signal.Signal{
			Type:          signal.TypeIncomingCall,
			CallerID:      c.userID,
			CalleeID:      cmd.calleeID,
			CallerDisplay: c.display,
			Channel:       cmd.channel,
		})
		c.setState(StateRingingOut, s)
		arm()
		return nil

	case cmdAccept:
		s := c.Session()
		if c.State() != StateRingingIn || s == nil {
			return ErrNotRinging
		}
		c.publish(ctx, s.CallerID, signal.Signal{
			Type:     signal.TypeCallAccepted,
			CallerID: s.CallerID,
			CalleeID: c.userID,
			Channel:  s.Channel,
		})
		disarm()
		c.setState(StateActive, s)
		callOutcomes.WithLabelValues("accepted").Inc()
		return nil

	case cmdReject:
		s := c.Session()
		if c.State() != StateRingingIn || s == nil {
			return ErrNotRinging
		}
		c.publish(ctx, s.CallerID, signal.Signal{
			Type:     signal.TypeCallRejected,
			CallerID: s.CallerID,
			CalleeID: c.userID,
			Channel:  s.Channel,
		})
		disarm()
		c.setState(StateIdle, nil)
		callOutcomes.WithLabelValues("rejected").Inc()
		return nil

	case cmdCancel:
		s := c.Session()
		if c.State() != StateRingingOut || s == nil {
			return ErrNotRinging
		}
		c.publish(ctx, s.CalleeID, signal.Signal{
			Type:     signal.TypeCallEnded,
			CallerID: c.userID,
			CalleeID: s.CalleeID,
			Channel:  s.Channel,
		})
		disarm()
		c.setState(StateIdle, nil)
		callOutcomes.WithLabelValues("canceled").Inc()
		return nil

	case cmdEnd:
		s := c.Session()
		if c.State() != StateActive || s == nil {
			return ErrNotActive
		}
		c.publish(ctx, s.peer(), signal.Signal{
			Type:     signal.TypeCallEnded,
			CallerID: s.CallerID,
			CalleeID: s.CalleeID,
			Channel:  s.Channel,
		})
		c.setState(StateIdle, nil)
		callOutcomes.WithLabelValues("ended").Inc()
		return nil
	}
	return nil
}

// handleSignal applies an inbound bus signal. Runs on the event loop.
// Signals for a channel other than the in-flight session's are stale
// leftovers of a resolved race and are dropped without a state change.
func (c *Coordinator) handleSignal(sig signal.Signal, arm, disarm func()) {
	state := c.State()
	cur := c.Session()

	if sig.Type == signal.TypeIncomingCall {
		if state != StateIdle {
			c.log.Debug().
				Str("channel", sig.Channel).
				Str("state", string(state)).
				Msg("incoming call ignored, not idle")
			return
		}
		s := &Session{
			Channel:       sig.Channel,
			CallerID:      sig.CallerID,
			CalleeID:      c.userID,
			Role:          RoleCallee,
			CallerDisplay: sig.CallerDisplay,
		}
		c.setState(StateRingingIn, s)
		arm()
		return
	}

	if cur == nil || sig.Channel != cur.Channel {
		c.log.Debug().
			Str("channel", sig.Channel).
			Str("type", string(sig.Type)).
			Msg("stale signal discarded")
		return
	}

	switch sig.Type {
	case signal.TypeCallAccepted:
		if state != StateRingingOut {
			return
		}
		disarm()
		c.setState(StateActive, cur)
		callOutcomes.WithLabelValues("accepted").Inc()

	case signal.TypeCallRejected:
		if state != StateRingingOut {
			return
		}
		disarm()
		c.setState(StateIdle, nil)
		callOutcomes.WithLabelValues("rejected").Inc()

	case signal.TypeCallEnded:
		if state == StateIdle {
			return
		}
		disarm()
		c.setState(StateIdle, nil)
		callOutcomes.WithLabelValues("ended").Inc()
	}
}

// handleTimeout reverts a ringing state to Idle on the local clock. No
// counterpart signal is sent; the other side times out independently.
func (c *Coordinator) handleTimeout() {
	state := c.State()
	if state != StateRingingOut && state != StateRingingIn {
		return
	}
	c.log.Info().Str("state", string(state)).Msg("ring timed out")
	c.setState(StateIdle, nil)
	callOutcomes.WithLabelValues("timeout").Inc()
}

// publish is fire-and-forget: a failed publish is logged and the attempt
// falls back to the ring timeout. Never a hard error to the caller.
func (c *Coordinator) publish(ctx context.Context, to string, sig signal.Signal) {
	sig.Timestamp = c.now().UTC()
	if err := c.bus.Publish(ctx, to, sig); err != nil {
		c.log.Warn().Err(err).
			Str("to", to).
			Str("type", string(sig.Type)).
			Msg("signal publish failed")
	}
}

// setState records the transition and fires the change hook.
func (c *Coordinator) setState(state State, s *Session) {
	c.mu.Lock()
	c.state = state
	c.session = s
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(state, s)
	}
}
