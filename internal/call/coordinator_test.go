package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilmatch/go-consent-backend/internal/signal"
)

// harness wires a coordinator to a shared hub and records transitions.
type harness struct {
	c      *Coordinator
	states chan State
	cancel context.CancelFunc
}

func newHarness(t *testing.T, hub *signal.Hub, userID, display string) *harness {
	t.Helper()
	h := &harness{states: make(chan State, 16)}
	h.c = New(userID, display, hub, zerolog.Nop())
	h.c.OnStateChange = func(s State, _ *Session) { h.states <- s }

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go h.c.Run(ctx)

	// Give the loop a moment to subscribe before anyone publishes.
	time.Sleep(10 * time.Millisecond)
	return h
}

func (h *harness) expect(t *testing.T, want State) {
	t.Helper()
	select {
	case got := <-h.states:
		if got != want {
			t.Fatalf("state = %s, want %s", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for state %s", want)
	}
}

func (h *harness) expectNoTransition(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.states:
		t.Fatalf("unexpected transition to %s", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestCall_AcceptHandshake(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	alice := newHarness(t, hub, "alice", "Alice")
	bob := newHarness(t, hub, "bob", "Bob")

	ctx := context.Background()
	at := time.Now() // inside the ring window
	if err := alice.c.Initiate(ctx, "bob", "req-1", at); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	alice.expect(t, StateRingingOut)
	bob.expect(t, StateRingingIn)

	if s := bob.c.Session(); s == nil || s.CallerDisplay != "Alice" || s.Channel != "req-1" {
		t.Fatalf("callee session = %+v", s)
	}

	if err := bob.c.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bob.expect(t, StateActive)
	alice.expect(t, StateActive)

	as, bs := alice.c.Session(), bob.c.Session()
	if as == nil || bs == nil || as.Channel != bs.Channel {
		t.Fatalf("sessions disagree: %+v vs %+v", as, bs)
	}

	if err := alice.c.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	alice.expect(t, StateIdle)
	bob.expect(t, StateIdle)
}

func TestCall_RejectHandshake(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	alice := newHarness(t, hub, "alice", "Alice")
	bob := newHarness(t, hub, "bob", "Bob")

	ctx := context.Background()
	if err := alice.c.Initiate(ctx, "bob", "req-1", time.Now()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	alice.expect(t, StateRingingOut)
	bob.expect(t, StateRingingIn)

	if err := bob.c.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}
	bob.expect(t, StateIdle)
	alice.expect(t, StateIdle)
}

func TestCall_CancelWhileRinging(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	alice := newHarness(t, hub, "alice", "Alice")
	bob := newHarness(t, hub, "bob", "Bob")

	ctx := context.Background()
	if err := alice.c.Initiate(ctx, "bob", "req-1", time.Now()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	alice.expect(t, StateRingingOut)
	bob.expect(t, StateRingingIn)

	if err := alice.c.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	alice.expect(t, StateIdle)
	bob.expect(t, StateIdle)
}

func TestCall_InitiateGuards(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	alice := newHarness(t, hub, "alice", "Alice")

	ctx := context.Background()

	// Too early and too late relative to the scheduled instant.
	early := time.Now().Add(2 * time.Hour)
	if err := alice.c.Initiate(ctx, "bob", "req-1", early); !errors.Is(err, ErrOutsideRingWindow) {
		t.Fatalf("early: expected ErrOutsideRingWindow, got %v", err)
	}
	late := time.Now().Add(-2 * time.Hour)
	if err := alice.c.Initiate(ctx, "bob", "req-1", late); !errors.Is(err, ErrOutsideRingWindow) {
		t.Fatalf("late: expected ErrOutsideRingWindow, got %v", err)
	}

	if err := alice.c.Initiate(ctx, "bob", "req-1", time.Now()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	alice.expect(t, StateRingingOut)
	if err := alice.c.Initiate(ctx, "carol", "req-2", time.Now()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second initiate: expected ErrBusy, got %v", err)
	}
}

func TestCall_CommandStateGuards(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	alice := newHarness(t, hub, "alice", "Alice")

	ctx := context.Background()
	if err := alice.c.Accept(ctx); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("accept from idle: %v", err)
	}
	if err := alice.c.Reject(ctx); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("reject from idle: %v", err)
	}
	if err := alice.c.Cancel(ctx); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("cancel from idle: %v", err)
	}
	if err := alice.c.End(ctx); !errors.Is(err, ErrNotActive) {
		t.Fatalf("end from idle: %v", err)
	}
}

func TestCall_RingTimeoutRevertsBothSides(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()

	states := make(chan State, 16)
	c := New("alice", "Alice", hub, zerolog.Nop())
	c.RingTimeout = 30 * time.Millisecond
	c.OnStateChange = func(s State, _ *Session) { states <- s }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	if err := c.Initiate(ctx, "bob", "req-1", time.Now()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := <-states; got != StateRingingOut {
		t.Fatalf("state = %s", got)
	}
	select {
	case got := <-states:
		if got != StateIdle {
			t.Fatalf("after timeout state = %s, want idle", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ring never timed out")
	}
}

// A call_accepted arriving for a channel the caller has already abandoned
// must not resurrect the session.
func TestCall_StaleAcceptIgnoredAfterCancel(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	alice := newHarness(t, hub, "alice", "Alice")

	ctx := context.Background()
	if err := alice.c.Initiate(ctx, "bob", "req-1", time.Now()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	alice.expect(t, StateRingingOut)
	if err := alice.c.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	alice.expect(t, StateIdle)

	// The callee accepted before seeing the cancel.
	hub.Publish(ctx, "alice", signal.Signal{
		Type:     signal.TypeCallAccepted,
		CallerID: "alice",
		CalleeID: "bob",
		Channel:  "req-1",
	})
	alice.expectNoTransition(t)
	if got := alice.c.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

// A callee that accepted a canceled call lands in Active briefly, then the
// stale channel's call_ended drops it back to Idle.
func TestCall_EndedSignalUnwindsAcceptedCallee(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	bob := newHarness(t, hub, "bob", "Bob")

	ctx := context.Background()
	hub.Publish(ctx, "bob", signal.Signal{
		Type:          signal.TypeIncomingCall,
		CallerID:      "alice",
		CalleeID:      "bob",
		CallerDisplay: "Alice",
		Channel:       "req-1",
	})
	bob.expect(t, StateRingingIn)
	if err := bob.c.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bob.expect(t, StateActive)

	// The caller's cancel was in flight the whole time.
	hub.Publish(ctx, "bob", signal.Signal{
		Type:     signal.TypeCallEnded,
		CallerID: "alice",
		CalleeID: "bob",
		Channel:  "req-1",
	})
	bob.expect(t, StateIdle)
}

// Signals bearing an unrelated channel never touch the in-flight session.
func TestCall_ChannelMismatchDiscarded(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	alice := newHarness(t, hub, "alice", "Alice")

	ctx := context.Background()
	if err := alice.c.Initiate(ctx, "bob", "req-1", time.Now()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	alice.expect(t, StateRingingOut)

	hub.Publish(ctx, "alice", signal.Signal{
		Type:     signal.TypeCallEnded,
		CallerID: "alice",
		CalleeID: "bob",
		Channel:  "req-other",
	})
	alice.expectNoTransition(t)
	if got := alice.c.State(); got != StateRingingOut {
		t.Fatalf("state = %s, want ringing_out", got)
	}
}

// A second incoming_call while already ringing is ignored; the first
// session stands.
func TestCall_IncomingWhileBusyIgnored(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()
	bob := newHarness(t, hub, "bob", "Bob")

	ctx := context.Background()
	hub.Publish(ctx, "bob", signal.Signal{
		Type: signal.TypeIncomingCall, CallerID: "alice", CalleeID: "bob", Channel: "req-1",
	})
	bob.expect(t, StateRingingIn)

	hub.Publish(ctx, "bob", signal.Signal{
		Type: signal.TypeIncomingCall, CallerID: "carol", CalleeID: "bob", Channel: "req-2",
	})
	bob.expectNoTransition(t)
	if s := bob.c.Session(); s == nil || s.CallerID != "alice" {
		t.Fatalf("session = %+v, want alice's call", s)
	}
}

func TestCall_StoppedCoordinatorRefusesCommands(t *testing.T) {
	hub := signal.NewHub(zerolog.Nop())
	defer hub.Close()

	c := New("alice", "Alice", hub, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := c.Initiate(context.Background(), "bob", "req-1", time.Now()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
