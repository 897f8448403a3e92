// Package repo implements the data persistence layer for consent requests,
// backed by GORM. This file provides repository functions for the Request
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a request is not found, functions return ErrNotFound (an alias
//     for gorm.ErrRecordNotFound).
//   - CreateRequest maps unique-index violations on the active pair slot to
//     ErrDuplicate so callers can implement idempotent sends without a
//     check-then-act race.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veilmatch/go-consent-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that an active request already occupies the
// (kind, pair) uniqueness slot.
var ErrDuplicate = errors.New("duplicate")

// CreateRequest inserts a new Pending request between senderID and
// receiverID for the given kind. The insert is the serialization point for
// pair uniqueness: the (kind, active_key) unique index rejects a second
// active row for the same unordered pair, which is surfaced as ErrDuplicate.
//
// scheduledAt is stored only for scheduled-call requests and may be nil
// otherwise.
func CreateRequest(ctx context.Context, db *gorm.DB, kind domain.RequestKind, senderID, receiverID string, scheduledAt *time.Time) (*domain.Request, error) {
	now := time.Now().UTC()
	r := &domain.Request{
		ID:          uuid.NewString(),
		Kind:        kind,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		ActiveKey:   domain.PairKey(senderID, receiverID),
		Status:      domain.StatusPending,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// GetRequest fetches a single request by ID, or ErrNotFound if missing.
func GetRequest(ctx context.Context, db *gorm.DB, id string) (*domain.Request, error) {
	var r domain.Request
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// FindActive returns the active (Pending or Accepted) request of the given
// kind between the unordered pair {a, b}, or ErrNotFound.
func FindActive(ctx context.Context, db *gorm.DB, kind domain.RequestKind, a, b string) (*domain.Request, error) {
	var r domain.Request
	err := db.WithContext(ctx).
		Where("kind = ? AND active_key = ? AND status IN ?",
			kind, domain.PairKey(a, b), []domain.RequestStatus{domain.StatusPending, domain.StatusAccepted}).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// MarkAccepted moves a Pending request to Accepted, stamping updated_at and,
// when meetingURI is non-nil, storing the meeting capability. The WHERE
// clause re-checks Pending so the transition is a single conditional write;
// zero rows affected yields ErrNotFound (row gone or no longer Pending).
func MarkAccepted(ctx context.Context, db *gorm.DB, id string, meetingURI *string, now time.Time) error {
	cols := map[string]any{
		"status":     domain.StatusAccepted,
		"updated_at": now,
	}
	if meetingURI != nil {
		cols["meeting_uri"] = *meetingURI
	}
	res := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRejected moves a Pending request to Rejected. The active pair slot is
// released by rewriting active_key to the row's own ID, so a later send for
// the same pair can create a fresh Pending row while the rejected one stays
// as inert history.
func MarkRejected(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":     domain.StatusRejected,
			"active_key": id,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRequest hard-deletes a request by ID (withdraw/cancel semantics).
// Returns ErrNotFound when no row was removed.
func DeleteRequest(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Request{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIncoming returns a page of requests addressed to userID with the given
// status, optionally narrowed to one kind (empty kind means all). Pending
// pages are ordered by created_at descending; Accepted pages by updated_at
// descending so recently activated connections surface first.
func ListIncoming(ctx context.Context, db *gorm.DB, userID string, kind domain.RequestKind, status domain.RequestStatus, offset, limit int) ([]domain.Request, error) {
	var out []domain.Request
	err := scopeList(db.WithContext(ctx), kind, status).
		Where("receiver_id = ?", userID).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountIncoming returns the total number of requests addressed to userID
// matching kind (optional) and status.
func CountIncoming(ctx context.Context, db *gorm.DB, userID string, kind domain.RequestKind, status domain.RequestStatus) (int64, error) {
	var total int64
	err := scopeCount(db.WithContext(ctx), kind, status).
		Where("receiver_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListOutgoing returns a page of requests sent by userID with the given
// status, optionally narrowed to one kind. Ordering matches ListIncoming.
func ListOutgoing(ctx context.Context, db *gorm.DB, userID string, kind domain.RequestKind, status domain.RequestStatus, offset, limit int) ([]domain.Request, error) {
	var out []domain.Request
	err := scopeList(db.WithContext(ctx), kind, status).
		Where("sender_id = ?", userID).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountOutgoing returns the total number of requests sent by userID
// matching kind (optional) and status.
func CountOutgoing(ctx context.Context, db *gorm.DB, userID string, kind domain.RequestKind, status domain.RequestStatus) (int64, error) {
	var total int64
	err := scopeCount(db.WithContext(ctx), kind, status).
		Where("sender_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListAccepted returns a page of Accepted requests where userID is either
// party, ordered by updated_at descending. This is the "connections" view:
// both sides of an accepted handshake see it.
func ListAccepted(ctx context.Context, db *gorm.DB, userID string, kind domain.RequestKind, offset, limit int) ([]domain.Request, error) {
	q := db.WithContext(ctx).
		Where("status = ?", domain.StatusAccepted).
		Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Order("updated_at desc")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []domain.Request
	err := q.Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// CountAccepted returns the total number of Accepted requests involving
// userID, optionally narrowed to one kind.
func CountAccepted(ctx context.Context, db *gorm.DB, userID string, kind domain.RequestKind) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("status = ?", domain.StatusAccepted).
		Where("sender_id = ? OR receiver_id = ?", userID, userID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// CountPendingIncoming returns the number of Pending requests awaiting a
// decision from userID across all kinds (badge count for the presentation
// layer).
func CountPendingIncoming(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("receiver_id = ? AND status = ?", userID, domain.StatusPending).
		Count(&total).Error
	return total, err
}

// scopeList composes the shared kind/status filters and status-dependent
// ordering for the paginated list queries.
func scopeList(q *gorm.DB, kind domain.RequestKind, status domain.RequestStatus) *gorm.DB {
	q = q.Where("status = ?", status)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if status == domain.StatusAccepted {
		return q.Order("updated_at desc")
	}
	return q.Order("created_at desc")
}

// scopeCount composes the shared kind/status filters for count queries.
func scopeCount(q *gorm.DB, kind domain.RequestKind, status domain.RequestStatus) *gorm.DB {
	q = q.Model(&domain.Request{}).Where("status = ?", status)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	return q
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
