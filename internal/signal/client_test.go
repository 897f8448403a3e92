package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newSignalServer exposes a Hub over a real websocket endpoint, identifying
// clients by the X-User-ID header the way the HTTP layer does.
func newSignalServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get("X-User-ID")
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ServeWS(hub, zerolog.Nop(), w, r, uid)
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_ReceivesServerFanOut(t *testing.T) {
	hub, url := newSignalServer(t)

	cli, err := Dial(context.Background(), url, "bob", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	sub := cli.Subscribe("bob")

	// Give the server's read pump a moment to register the subscription.
	time.Sleep(20 * time.Millisecond)

	if err := hub.Publish(context.Background(), "bob", Signal{
		Type: TypeIncomingCall, CallerID: "alice", CalleeID: "bob", Channel: "ch-1",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvOne(t, sub.C)
	if got.Type != TypeIncomingCall || got.Channel != "ch-1" || got.CallerID != "alice" {
		t.Fatalf("received %+v", got)
	}
}

func TestClient_PublishIsIdentityPinned(t *testing.T) {
	hub, url := newSignalServer(t)

	alice := hub.Subscribe("alice")
	defer alice.Cancel()

	cli, err := Dial(context.Background(), url, "bob", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	time.Sleep(20 * time.Millisecond)

	// The client claims to be someone else; the server pins the callee
	// identity to the connection's user before routing to the caller.
	if err := cli.Publish(context.Background(), "", Signal{
		Type: TypeCallAccepted, CallerID: "alice", CalleeID: "mallory", Channel: "ch-1",
	}); err != nil {
		t.Fatalf("client publish: %v", err)
	}

	got := recvOne(t, alice.C)
	if got.CalleeID != "bob" {
		t.Fatalf("callee = %q, want pinned bob", got.CalleeID)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("server must stamp the signal")
	}
}

func TestClient_SubscriptionClosesWhenServerGoesAway(t *testing.T) {
	hub, url := newSignalServer(t)

	cli, err := Dial(context.Background(), url, "bob", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	sub := cli.Subscribe("bob")

	time.Sleep(20 * time.Millisecond)
	hub.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			return // drained a signal first; channel close follows
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close after server shutdown")
	}
}
