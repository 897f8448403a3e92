// Package services – notification contract
//
// This file defines the outbound notification contract consumed by an
// external delivery mechanism (push, in-app, email). The core only promises
// at-most-once, best-effort, non-blocking dispatch per state transition;
// everything past the Notifier interface is someone else's problem.
package services

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

// NotificationKind labels the domain transition a notification describes.
type NotificationKind string

const (
	// NotifRequestReceived: a new Pending request landed in the recipient's inbox.
	NotifRequestReceived NotificationKind = "request_received"
	// NotifRequestAccepted: the recipient's outgoing request was accepted.
	NotifRequestAccepted NotificationKind = "request_accepted"
	// NotifRequestRejected: the recipient's outgoing request was declined.
	// The default sink logs it without delivering; kept in the taxonomy so
	// sinks can opt in.
	NotifRequestRejected NotificationKind = "request_rejected"
	// NotifRequestWithdrawn: the counterparty withdrew or canceled the request.
	NotifRequestWithdrawn NotificationKind = "request_withdrawn"
)

// Notification is the payload handed to the sink for one state transition.
type Notification struct {
	// RecipientID is the user the notification is addressed to.
	RecipientID string `json:"recipient_id"`
	// ActorID is the user whose action triggered the transition.
	ActorID string `json:"actor_id"`
	// ActorDisplayName is the actor's display identity, NFC-normalized.
	ActorDisplayName string `json:"actor_display_name"`
	// Kind labels the transition.
	Kind NotificationKind `json:"kind"`
	// Summary is a short human-readable description, safe for display.
	Summary string `json:"summary"`
}

// Notifier is the external notification sink. Implementations must be safe
// for concurrent use and should return quickly; the service dispatches on a
// separate goroutine and swallows (logs) any error.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Directory resolves a user's display identity. Profile storage is an
// external collaborator; the service only needs a name to embed in
// notification payloads.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// LogNotifier is the default in-process sink: it writes each notification
// to the structured log and delivers nothing. Useful in development and as
// a stand-in until a real delivery channel is wired.
type LogNotifier struct {
	Log zerolog.Logger
}

// Notify logs the notification at info level and never fails.
func (n LogNotifier) Notify(_ context.Context, ev Notification) error {
	n.Log.Info().
		Str("recipient_id", ev.RecipientID).
		Str("actor_id", ev.ActorID).
		Str("kind", string(ev.Kind)).
		Str("summary", ev.Summary).
		Msg("notification")
	return nil
}

// IDDirectory is the fallback Directory: the display name is the user ID
// itself. Real deployments inject a profile-service-backed implementation.
type IDDirectory struct{}

// DisplayName returns userID unchanged.
func (IDDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	return userID, nil
}

// normalizeDisplayName canonicalizes a display name to NFC so downstream
// sinks compare and render names consistently regardless of the composition
// form the profile store happened to persist.
func normalizeDisplayName(s string) string {
	return norm.NFC.String(s)
}
