// Package signal provides the ephemeral publish/subscribe transport used for
// live call negotiation. Delivery is best-effort and at-most-once to
// currently connected subscribers; nothing is persisted, retried, or
// replayed. Durable state stays in the request store.
package signal

import (
	"context"
	"time"
)

// Type enumerates the four call-negotiation signals.
type Type string

const (
	// TypeIncomingCall rings the callee.
	TypeIncomingCall Type = "incoming_call"
	// TypeCallAccepted tells the caller the callee picked up.
	TypeCallAccepted Type = "call_accepted"
	// TypeCallRejected tells the caller the callee declined.
	TypeCallRejected Type = "call_rejected"
	// TypeCallEnded ends or cancels the attempt, from either side.
	TypeCallEnded Type = "call_ended"
)

// Signal is the JSON-shaped payload exchanged on the bus. Channel is the
// logical topic identifying one call attempt (the scheduled-call request
// id); receivers must discard signals whose channel does not match their
// in-flight session.
type Signal struct {
	Type Type `json:"type"`

	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
	// CallerDisplay is only populated on incoming_call, for ring UI.
	CallerDisplay string `json:"callerDisplay,omitempty"`

	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is a live feed of signals addressed to one user. C is closed
// by Cancel or when the bus shuts down; consumers must drain promptly or
// lose signals (the relay drops rather than blocks).
type Subscription struct {
	C      <-chan Signal
	cancel func()
}

// Cancel detaches the subscription and closes C. Safe to call more than
// once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus is the transport contract consumed by the call coordinator. Publish
// addresses one user and never blocks on a slow or absent subscriber;
// Subscribe registers a mailbox for a user. Implementations must be safe
// for concurrent use.
type Bus interface {
	Publish(ctx context.Context, to string, sig Signal) error
	Subscribe(userID string) *Subscription
}
