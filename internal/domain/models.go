// Package domain defines the persistence model for consent requests. The
// single Request type is mapped with GORM and covers all three request
// kinds (disclosure, scheduled call, direct message) as a tagged variant,
// so uniqueness and authorization rules are enforced once rather than per
// kind.
package domain

import (
	"strings"
	"time"
)

// RequestKind discriminates the three consent-request variants.
type RequestKind string

const (
	// KindDisclosure gates access to a user's private photos.
	KindDisclosure RequestKind = "disclosure"
	// KindScheduledCall gates a future video call; carries ScheduledAt and,
	// once accepted, a meeting capability.
	KindScheduledCall RequestKind = "scheduled_call"
	// KindDirectMessage gates opening a direct-message conversation.
	KindDirectMessage RequestKind = "direct_message"
)

// Valid reports whether k is one of the known request kinds.
func (k RequestKind) Valid() bool {
	switch k {
	case KindDisclosure, KindScheduledCall, KindDirectMessage:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a Request. Pending is initial;
// Accepted and Rejected are terminal.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
)

// Active reports whether the status still occupies the pair-uniqueness slot
// (Pending or Accepted). Rejected rows are inert history.
func (s RequestStatus) Active() bool {
	return s == StatusPending || s == StatusAccepted
}

// Request represents one consent handshake between two users.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Kind: request variant (disclosure, scheduled_call, direct_message).
//   - SenderID / ReceiverID: the two parties; SenderID != ReceiverID.
//   - ActiveKey: uniqueness slot. For Pending/Accepted rows it equals the
//     unordered pair key (see PairKey), so the (kind, active_key) unique
//     index admits at most one active request per pair and kind with a
//     single conditional insert. When a row is rejected the slot is
//     released by rewriting ActiveKey to the row's own ID.
//   - Status: pending | accepted | rejected.
//   - ScheduledAt: scheduled-call instant; nil for other kinds.
//   - MeetingURI: opaque conferencing capability, set exactly once when a
//     scheduled call is accepted; nil before that and for other kinds.
//   - CreatedAt / UpdatedAt: UpdatedAt changes on every status transition.
type Request struct {
	ID         string        `json:"id"          gorm:"type:char(36);primaryKey"`
	Kind       RequestKind   `json:"kind"        gorm:"type:varchar(20);not null;uniqueIndex:ux_requests_active_pair,priority:1"`
	SenderID   string        `json:"sender_id"   gorm:"type:varchar(64);not null;index:idx_requests_sender"`
	ReceiverID string        `json:"receiver_id" gorm:"type:varchar(64);not null;index:idx_requests_receiver"`
	ActiveKey  string        `json:"-"           gorm:"type:varchar(130);not null;uniqueIndex:ux_requests_active_pair,priority:2"`
	Status     RequestStatus `json:"status"      gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','accepted','rejected')"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	MeetingURI  *string    `json:"meeting_uri,omitempty" gorm:"type:varchar(255)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Request.
func (Request) TableName() string { return "consent_requests" }

// PairKey builds the canonical unordered key for a pair of user IDs.
// The lexicographically smaller ID comes first so {a,b} and {b,a} collide.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// Involves reports whether userID is either party of the request.
func (r *Request) Involves(userID string) bool {
	return r.SenderID == userID || r.ReceiverID == userID
}

// Counterparty returns the other party relative to userID. It returns the
// empty string when userID is not a party at all.
func (r *Request) Counterparty(userID string) string {
	switch userID {
	case r.SenderID:
		return r.ReceiverID
	case r.ReceiverID:
		return r.SenderID
	}
	return ""
}
