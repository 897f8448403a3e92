// Consent-request HTTP handlers.
//
// This file exposes REST endpoints for the request lifecycle:
//   - POST   /requests                (send: disclosure | scheduled_call | direct_message)
//   - POST   /requests/{id}/accept
//   - POST   /requests/{id}/reject
//   - DELETE /requests/{id}           (withdraw / cancel)
//   - GET    /requests/incoming       (paginated)
//   - GET    /requests/outgoing       (paginated)
//   - GET    /requests/accepted       (connections view, paginated)
//   - GET    /requests/pending-count  (badge count)
//
// Handlers are transport-thin: they validate input, call the request
// service, and translate results into HTTP responses. Scheduled-call
// responses carry derived time-window state computed at render time, since
// window position changes with no store write.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veilmatch/go-consent-backend/internal/domain"
	"github.com/veilmatch/go-consent-backend/internal/schedule"
	"github.com/veilmatch/go-consent-backend/internal/services"
	"github.com/veilmatch/go-consent-backend/internal/utils"
)

// RequestService defines the consent-request operations consumed by HTTP
// handlers. Implementations must be safe for concurrent use and honor the
// provided context.
type RequestService interface {
	SendDisclosureRequest(ctx context.Context, senderID, receiverID string) (*domain.Request, bool, error)
	SendScheduledCallRequest(ctx context.Context, senderID, receiverID string, scheduledAt time.Time) (*domain.Request, bool, error)
	SendMessageRequest(ctx context.Context, senderID, receiverID string) (*domain.Request, bool, error)
	AcceptRequest(ctx context.Context, actorID, requestID string) (*domain.Request, error)
	RejectRequest(ctx context.Context, actorID, requestID string) (*domain.Request, error)
	WithdrawRequest(ctx context.Context, actorID, requestID string) error
	GetRequest(ctx context.Context, actorID, requestID string) (*domain.Request, error)
	ListIncoming(ctx context.Context, userID string, kind domain.RequestKind, status domain.RequestStatus, page, pageSize int) ([]domain.Request, int64, error)
	ListOutgoing(ctx context.Context, userID string, kind domain.RequestKind, status domain.RequestStatus, page, pageSize int) ([]domain.Request, int64, error)
	ListAccepted(ctx context.Context, userID string, kind domain.RequestKind, page, pageSize int) ([]domain.Request, int64, error)
	CountPendingIncoming(ctx context.Context, userID string) (int64, error)
}

// Handlers groups the HTTP endpoints for the consent-request API.
type Handlers struct {
	svc RequestService
}

// New constructs a Handlers instance bound to the given service.
func New(svc RequestService) *Handlers {
	return &Handlers{svc: svc}
}

// userID extracts the authenticated user id from Gin context (set by
// upstream auth middleware), falling back to the X-User-ID header (tests
// use it).
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return ""
}

//
// DTOs
//

// SendRequestBody is the JSON payload for sending a request.
type SendRequestBody struct {
	// Kind selects the request variant.
	Kind string `json:"kind" binding:"required" example:"scheduled_call"`
	// ReceiverID addresses the counterparty.
	ReceiverID string `json:"receiver_id" binding:"required" example:"u-5821"`
	// ScheduledAt is required for scheduled_call, RFC 3339.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// RequestView is the outbound representation of a Request, augmented with
// derived time-window state for scheduled calls.
type RequestView struct {
	domain.Request
	// Window is present only for scheduled-call requests.
	Window *WindowView `json:"window,omitempty"`
}

// WindowView is the derived, moment-in-time window position of a scheduled
// call. Highlight is presentation urgency only.
type WindowView struct {
	CanJoin        bool `json:"can_join"`
	CanRing        bool `json:"can_ring"`
	PastRingWindow bool `json:"past_ring_window"`
	Highlight      bool `json:"highlight"`
}

// viewOf renders a request, deriving window state for scheduled calls.
func viewOf(r domain.Request, now time.Time) RequestView {
	v := RequestView{Request: r}
	if r.Kind == domain.KindScheduledCall && r.ScheduledAt != nil {
		at := *r.ScheduledAt
		v.Window = &WindowView{
			CanJoin:        schedule.CanJoinMeeting(at, now),
			CanRing:        schedule.CanRing(at, now),
			PastRingWindow: schedule.IsPastRingWindow(at, now),
			Highlight:      schedule.ShouldHighlight(at, now),
		}
	}
	return v
}

func viewsOf(items []domain.Request, now time.Time) []RequestView {
	out := make([]RequestView, 0, len(items))
	for _, r := range items {
		out = append(out, viewOf(r, now))
	}
	return out
}

//
// Endpoints
//

// Send creates (or idempotently returns) a consent request.
func (h *Handlers) Send(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}

	var body SendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	var (
		r       *domain.Request
		created bool
		err     error
	)
	switch domain.RequestKind(body.Kind) {
	case domain.KindDisclosure:
		r, created, err = h.svc.SendDisclosureRequest(c.Request.Context(), uid, body.ReceiverID)
	case domain.KindScheduledCall:
		if body.ScheduledAt == nil {
			fail(c, http.StatusBadRequest, ErrCodeScheduleNeeded, "scheduled_at is required for scheduled calls")
			return
		}
		r, created, err = h.svc.SendScheduledCallRequest(c.Request.Context(), uid, body.ReceiverID, *body.ScheduledAt)
	case domain.KindDirectMessage:
		r, created, err = h.svc.SendMessageRequest(c.Request.Context(), uid, body.ReceiverID)
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown request kind")
		return
	}
	if err != nil {
		failFromService(c, err, ErrCodeSendFailed)
		return
	}
	// 201 for a fresh record, 200 when an idempotent resend returned the
	// existing one.
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	ok(c, status, viewOf(*r, time.Now()))
}

// Accept moves a pending request to accepted on behalf of the caller.
func (h *Handlers) Accept(c *gin.Context) {
	h.transition(c, h.svc.AcceptRequest)
}

// Reject moves a pending request to rejected on behalf of the caller.
func (h *Handlers) Reject(c *gin.Context) {
	h.transition(c, h.svc.RejectRequest)
}

// transition shares the accept/reject plumbing.
func (h *Handlers) transition(c *gin.Context, op func(ctx context.Context, actorID, requestID string) (*domain.Request, error)) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}
	r, err := op(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failFromService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, viewOf(*r, time.Now()))
}

// Withdraw hard-deletes a request (withdraw by sender, cancel by either
// party once accepted).
func (h *Handlers) Withdraw(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}
	if err := h.svc.WithdrawRequest(c.Request.Context(), uid, c.Param("id")); err != nil {
		failFromService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// Get returns one request visible to the caller.
func (h *Handlers) Get(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}
	r, err := h.svc.GetRequest(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failFromService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, viewOf(*r, time.Now()))
}

// ListIncoming returns a page of requests addressed to the caller.
func (h *Handlers) ListIncoming(c *gin.Context) {
	h.list(c, h.svc.ListIncoming)
}

// ListOutgoing returns a page of requests sent by the caller.
func (h *Handlers) ListOutgoing(c *gin.Context) {
	h.list(c, h.svc.ListOutgoing)
}

// list shares the incoming/outgoing plumbing: kind and status filters plus
// pagination from the query string.
func (h *Handlers) list(c *gin.Context, op func(ctx context.Context, userID string, kind domain.RequestKind, status domain.RequestStatus, page, pageSize int) ([]domain.Request, int64, error)) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}

	kind := domain.RequestKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown request kind")
		return
	}
	status := domain.RequestStatus(c.DefaultQuery("status", string(domain.StatusPending)))
	switch status {
	case domain.StatusPending, domain.StatusAccepted, domain.StatusRejected:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status")
		return
	}

	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)

	items, total, err := op(c.Request.Context(), uid, kind, status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list requests")
		return
	}
	ok(c, http.StatusOK, PageResponse{
		Items:    viewsOf(items, time.Now()),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// ListAccepted returns the caller's connections: accepted requests where
// they are either party, most recently activated first.
func (h *Handlers) ListAccepted(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}
	kind := domain.RequestKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown request kind")
		return
	}
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)

	items, total, err := h.svc.ListAccepted(c.Request.Context(), uid, kind, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list connections")
		return
	}
	ok(c, http.StatusOK, PageResponse{
		Items:    viewsOf(items, time.Now()),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// PendingCount returns the caller's badge count of undecided requests.
func (h *Handlers) PendingCount(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}
	n, err := h.svc.CountPendingIncoming(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not count requests")
		return
	}
	ok(c, http.StatusOK, gin.H{"pending": n})
}

// failFromService maps service sentinel errors onto stable HTTP responses.
func failFromService(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrRequestNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "request not found")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not authorized for this request")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeNotPending, "request is not pending")
	case errors.Is(err, services.ErrSelfRequest):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "cannot send a request to yourself")
	case errors.Is(err, services.ErrScheduleRequired):
		fail(c, http.StatusBadRequest, ErrCodeScheduleNeeded, "scheduled time must be in the future")
	case errors.Is(err, services.ErrUnknownKind):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown request kind")
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
	}
}
