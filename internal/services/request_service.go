// Package services – RequestService
//
// This file implements the RequestService, the public facade over the
// consent-request store. It validates sends (self-request guard, schedule
// validation), enforces the transition authorization rules (only the
// receiver accepts or rejects, withdraw is sender-or-either-party depending
// on status), generates the meeting capability when a scheduled call is
// accepted, and dispatches one best-effort notification per successful
// mutation.
//
// Service-level errors (ErrRequestNotFound, ErrForbidden,
// ErrInvalidTransition, ErrSelfRequest, ErrScheduleRequired) are returned
// for predictable cases so handlers can map them to HTTP results
// consistently.
package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/veilmatch/go-consent-backend/internal/domain"
	"github.com/veilmatch/go-consent-backend/internal/repo"
	"github.com/veilmatch/go-consent-backend/internal/utils"
)

// notifyTimeout bounds async notification dispatch so a stuck sink cannot
// leak goroutines indefinitely.
const notifyTimeout = 5 * time.Second

// requestTransitions counts request state transitions by kind and move.
var requestTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "consent_request_transitions_total",
		Help: "Total consent-request state transitions.",
	},
	[]string{"kind", "transition"},
)

func init() {
	prometheus.MustRegister(requestTransitions)
}

// RequestService implements the use-cases around consent requests. It is
// context-aware, safe for concurrent use, and opens its own transaction per
// mutating call so authorization checks and writes are atomic.
type RequestService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Notifier receives one event per successful mutation, best-effort.
	Notifier Notifier
	// Directory resolves actor display names for notification payloads.
	Directory Directory
	// MeetingURIBase prefixes generated meeting capabilities.
	MeetingURIBase string
	// Log is used for swallowed notification failures and diagnostics.
	Log zerolog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewRequestService constructs a RequestService with sane defaults: a
// logging notification sink, identity display names, and the production
// meeting URI base.
func NewRequestService(db *gorm.DB, log zerolog.Logger) *RequestService {
	return &RequestService{
		DB:             db,
		Notifier:       LogNotifier{Log: log},
		Directory:      IDDirectory{},
		MeetingURIBase: "https://meet.veilmatch.app/r",
		Log:            log,
		now:            time.Now,
	}
}

// SendDisclosureRequest asks receiverID for consent to view private photos.
// Sending is idempotent: if an active disclosure request already exists
// between the pair (in either direction), that record is returned unchanged
// with created=false and no notification is dispatched.
func (s *RequestService) SendDisclosureRequest(ctx context.Context, senderID, receiverID string) (*domain.Request, bool, error) {
	return s.send(ctx, domain.KindDisclosure, senderID, receiverID, nil)
}

// SendScheduledCallRequest proposes a video call at the given instant.
// scheduledAt must be a non-zero future time (ErrScheduleRequired
// otherwise); the store itself does not police the instant, the facade
// does.
func (s *RequestService) SendScheduledCallRequest(ctx context.Context, senderID, receiverID string, scheduledAt time.Time) (*domain.Request, bool, error) {
	if scheduledAt.IsZero() || !scheduledAt.After(s.now()) {
		return nil, false, ErrScheduleRequired
	}
	at := scheduledAt.UTC()
	return s.send(ctx, domain.KindScheduledCall, senderID, receiverID, &at)
}

// SendMessageRequest asks receiverID for consent to open a direct-message
// conversation. The consent gate only; message exchange itself is out of
// scope here.
func (s *RequestService) SendMessageRequest(ctx context.Context, senderID, receiverID string) (*domain.Request, bool, error) {
	return s.send(ctx, domain.KindDirectMessage, senderID, receiverID, nil)
}

// send implements the idempotent conditional insert shared by all kinds.
// The unique (kind, active_key) index is the serialization point: losing
// the insert race degrades to returning the winner's row. The bool result
// reports whether a new record was created, so callers can distinguish a
// fresh request from an idempotent replay.
func (s *RequestService) send(ctx context.Context, kind domain.RequestKind, senderID, receiverID string, scheduledAt *time.Time) (*domain.Request, bool, error) {
	if senderID == receiverID {
		return nil, false, ErrSelfRequest
	}
	if !kind.Valid() {
		return nil, false, ErrUnknownKind
	}

	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Send", trace.WithAttributes(
		attribute.String("request.kind", string(kind)),
		attribute.String("user.id", senderID),
	))
	defer span.End()

	// Two attempts cover the window where the winning row is withdrawn
	// between our failed insert and the lookup.
	for attempt := 0; attempt < 2; attempt++ {
		r, err := repo.CreateRequest(ctx, s.DB, kind, senderID, receiverID, scheduledAt)
		if err == nil {
			requestTransitions.WithLabelValues(string(kind), "created").Inc()
			s.dispatch(ctx, senderID, Notification{
				RecipientID: receiverID,
				ActorID:     senderID,
				Kind:        NotifRequestReceived,
				Summary:     sendSummary(kind),
			})
			return r, true, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, false, err
		}
		existing, ferr := repo.FindActive(ctx, s.DB, kind, senderID, receiverID)
		if ferr == nil {
			return existing, false, nil
		}
		if !errors.Is(ferr, repo.ErrNotFound) {
			return nil, false, ferr
		}
	}
	return nil, false, repo.ErrDuplicate
}

// AcceptRequest moves a Pending request to Accepted on behalf of actorID.
//
// Semantics:
//   - Unknown id: ErrRequestNotFound.
//   - actorID is not the receiver: ErrForbidden.
//   - Status is not Pending: ErrInvalidTransition.
//   - Scheduled calls additionally get a fresh meeting capability, generated
//     exactly once; it is never regenerated on later reads.
//
// On success the original sender is notified with the actor's display
// identity, asynchronously and best-effort.
func (s *RequestService) AcceptRequest(ctx context.Context, actorID, requestID string) (*domain.Request, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Accept", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("user.id", actorID),
	))
	defer span.End()

	var out *domain.Request
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		if r.ReceiverID != actorID {
			return ErrForbidden
		}
		if r.Status != domain.StatusPending {
			return ErrInvalidTransition
		}

		now := s.now().UTC()
		var uri *string
		if r.Kind == domain.KindScheduledCall {
			u, err := s.newMeetingURI()
			if err != nil {
				return err
			}
			uri = &u
		}
		if err := repo.MarkAccepted(ctx, tx, r.ID, uri, now); err != nil {
			return err
		}
		r.Status = domain.StatusAccepted
		r.MeetingURI = uri
		r.UpdatedAt = now
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	requestTransitions.WithLabelValues(string(out.Kind), "accepted").Inc()
	s.dispatch(ctx, actorID, Notification{
		RecipientID: out.SenderID,
		ActorID:     actorID,
		Kind:        NotifRequestAccepted,
		Summary:     acceptSummary(out.Kind),
	})
	return out, nil
}

// RejectRequest moves a Pending request to Rejected on behalf of actorID.
// Authorization mirrors AcceptRequest. The rejected row is kept as inert
// history and releases the pair slot, so a later send creates a fresh
// Pending record. A state-change event is still handed to the sink; the
// default sink does not deliver rejections.
func (s *RequestService) RejectRequest(ctx context.Context, actorID, requestID string) (*domain.Request, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Reject", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("user.id", actorID),
	))
	defer span.End()

	var out *domain.Request
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		if r.ReceiverID != actorID {
			return ErrForbidden
		}
		if r.Status != domain.StatusPending {
			return ErrInvalidTransition
		}

		now := s.now().UTC()
		if err := repo.MarkRejected(ctx, tx, r.ID, now); err != nil {
			return err
		}
		r.Status = domain.StatusRejected
		r.UpdatedAt = now
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	requestTransitions.WithLabelValues(string(out.Kind), "rejected").Inc()
	s.dispatch(ctx, actorID, Notification{
		RecipientID: out.SenderID,
		ActorID:     actorID,
		Kind:        NotifRequestRejected,
		Summary:     rejectSummary(out.Kind),
	})
	return out, nil
}

// WithdrawRequest hard-deletes a request on behalf of actorID.
//
// Policy (stricter than the store, which allows anyone):
//   - The sender may withdraw their request in any status.
//   - The receiver may cancel only an Accepted request (either party may
//     tear down an agreed connection).
//   - Anyone else: ErrForbidden.
//
// The counterparty is notified of the withdrawal, best-effort.
func (s *RequestService) WithdrawRequest(ctx context.Context, actorID, requestID string) error {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Withdraw", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("user.id", actorID),
	))
	defer span.End()

	var counterparty string
	var kind domain.RequestKind
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		switch actorID {
		case r.SenderID:
			// always allowed
		case r.ReceiverID:
			if r.Status != domain.StatusAccepted {
				return ErrForbidden
			}
		default:
			return ErrForbidden
		}
		counterparty = r.Counterparty(actorID)
		kind = r.Kind
		return repo.DeleteRequest(ctx, tx, r.ID)
	})
	if err != nil {
		return err
	}

	requestTransitions.WithLabelValues(string(kind), "withdrawn").Inc()
	s.dispatch(ctx, actorID, Notification{
		RecipientID: counterparty,
		ActorID:     actorID,
		Kind:        NotifRequestWithdrawn,
		Summary:     withdrawSummary(kind),
	})
	return nil
}

// GetRequest fetches one request by ID, restricted to its two parties.
func (s *RequestService) GetRequest(ctx context.Context, actorID, requestID string) (*domain.Request, error) {
	r, err := repo.GetRequest(ctx, s.DB, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	if !r.Involves(actorID) {
		return nil, ErrForbidden
	}
	return r, nil
}

// ListIncoming returns a page of requests addressed to userID with the
// given status (kind optional, empty means all) plus the total count.
func (s *RequestService) ListIncoming(ctx context.Context, userID string, kind domain.RequestKind, status domain.RequestStatus, page, pageSize int) ([]domain.Request, int64, error) {
	offset, limit := utils.ClampPage(page, pageSize, 20, 100)
	total, err := repo.CountIncoming(ctx, s.DB, userID, kind, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Request{}, 0, nil
	}
	items, err := repo.ListIncoming(ctx, s.DB, userID, kind, status, offset, limit)
	return items, total, err
}

// ListOutgoing returns a page of requests sent by userID with the given
// status (kind optional) plus the total count.
func (s *RequestService) ListOutgoing(ctx context.Context, userID string, kind domain.RequestKind, status domain.RequestStatus, page, pageSize int) ([]domain.Request, int64, error) {
	offset, limit := utils.ClampPage(page, pageSize, 20, 100)
	total, err := repo.CountOutgoing(ctx, s.DB, userID, kind, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Request{}, 0, nil
	}
	items, err := repo.ListOutgoing(ctx, s.DB, userID, kind, status, offset, limit)
	return items, total, err
}

// ListAccepted returns a page of accepted requests where userID is either
// party, most recently activated first, plus the total count.
func (s *RequestService) ListAccepted(ctx context.Context, userID string, kind domain.RequestKind, page, pageSize int) ([]domain.Request, int64, error) {
	offset, limit := utils.ClampPage(page, pageSize, 20, 100)
	total, err := repo.CountAccepted(ctx, s.DB, userID, kind)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Request{}, 0, nil
	}
	items, err := repo.ListAccepted(ctx, s.DB, userID, kind, offset, limit)
	return items, total, err
}

// CountPendingIncoming returns the badge count of requests awaiting a
// decision from userID.
func (s *RequestService) CountPendingIncoming(ctx context.Context, userID string) (int64, error) {
	return repo.CountPendingIncoming(ctx, s.DB, userID)
}

// dispatch resolves the actor's display name and hands the notification to
// the sink on its own goroutine. Failures are logged, never surfaced: a
// dead sink must not block or fail a state transition.
func (s *RequestService) dispatch(parent context.Context, actorID string, n Notification) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), notifyTimeout)
	go func() {
		defer cancel()
		name, err := s.Directory.DisplayName(ctx, actorID)
		if err != nil || name == "" {
			name = actorID
		}
		n.ActorDisplayName = normalizeDisplayName(name)
		if err := s.Notifier.Notify(ctx, n); err != nil {
			s.Log.Warn().Err(err).
				Str("recipient_id", n.RecipientID).
				Str("kind", string(n.Kind)).
				Msg("notification dispatch failed")
		}
	}()
}

// newMeetingURI mints the opaque conferencing capability for an accepted
// scheduled call: 128 random bits, base64url, under the configured base.
func (s *RequestService) newMeetingURI() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf[:])
	return fmt.Sprintf("%s/%s", s.MeetingURIBase, token), nil
}

func sendSummary(kind domain.RequestKind) string {
	switch kind {
	case domain.KindDisclosure:
		return "sent you a photo access request"
	case domain.KindScheduledCall:
		return "invited you to a video call"
	default:
		return "wants to start a conversation"
	}
}

func acceptSummary(kind domain.RequestKind) string {
	switch kind {
	case domain.KindDisclosure:
		return "accepted your photo access request"
	case domain.KindScheduledCall:
		return "accepted your video call invitation"
	default:
		return "accepted your message request"
	}
}

func rejectSummary(kind domain.RequestKind) string {
	switch kind {
	case domain.KindDisclosure:
		return "declined your photo access request"
	case domain.KindScheduledCall:
		return "declined your video call invitation"
	default:
		return "declined your message request"
	}
}

func withdrawSummary(kind domain.RequestKind) string {
	switch kind {
	case domain.KindScheduledCall:
		return "canceled the video call"
	default:
		return "withdrew their request"
	}
}
