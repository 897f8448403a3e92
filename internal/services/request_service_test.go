package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/veilmatch/go-consent-backend/internal/domain"
	"github.com/veilmatch/go-consent-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reqsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// captureNotifier records delivered notifications for assertions.
type captureNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (c *captureNotifier) Notify(_ context.Context, ev Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) wait(t *testing.T, n int) []Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]Notification(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("expected %d notifications, got %d", n, len(c.events))
	return nil
}

func newTestService(t *testing.T) (*RequestService, *captureNotifier) {
	t.Helper()
	sink := &captureNotifier{}
	svc := NewRequestService(newTestDB(t), zerolog.Nop())
	svc.Notifier = sink
	return svc, sink
}

func TestSend_IdempotentAcrossDirections(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()

	first, created, err := svc.SendDisclosureRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !created {
		t.Fatal("first send must report created")
	}
	if first.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", first.Status)
	}

	again, created, err := svc.SendDisclosureRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if created {
		t.Fatal("resend must not report created")
	}
	if again.ID != first.ID {
		t.Fatal("resend must return the existing request")
	}

	reversed, created, err := svc.SendDisclosureRequest(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("reversed send: %v", err)
	}
	if created {
		t.Fatal("reversed send must not report created")
	}
	if reversed.ID != first.ID {
		t.Fatal("reversed send must return the existing request")
	}

	// Exactly one notification: the original create. Idempotent hits are
	// silent.
	evs := sink.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	n := len(sink.events)
	sink.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", n)
	}
	if evs[0].Kind != NotifRequestReceived || evs[0].RecipientID != "bob" {
		t.Fatalf("unexpected notification %+v", evs[0])
	}
}

func TestSend_SelfAndUnknownKind(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.SendDisclosureRequest(ctx, "alice", "alice"); !errors.Is(err, ErrSelfRequest) {
		t.Fatalf("expected ErrSelfRequest, got %v", err)
	}
	if _, _, err := svc.send(ctx, domain.RequestKind("poke"), "alice", "bob", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSendScheduledCall_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.SendScheduledCallRequest(ctx, "alice", "bob", time.Time{}); !errors.Is(err, ErrScheduleRequired) {
		t.Fatalf("zero time: expected ErrScheduleRequired, got %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if _, _, err := svc.SendScheduledCallRequest(ctx, "alice", "bob", past); !errors.Is(err, ErrScheduleRequired) {
		t.Fatalf("past time: expected ErrScheduleRequired, got %v", err)
	}

	at := time.Now().Add(48 * time.Hour)
	r, _, err := svc.SendScheduledCallRequest(ctx, "alice", "bob", at)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if r.ScheduledAt == nil || !r.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at not stored: %v", r.ScheduledAt)
	}
	if r.MeetingURI != nil {
		t.Fatal("meeting uri must be absent before acceptance")
	}
}

func TestAccept_AuthorizationAndTransition(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()

	r, _, err := svc.SendDisclosureRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := svc.AcceptRequest(ctx, "alice", r.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("sender accept: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.AcceptRequest(ctx, "mallory", r.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger accept: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.AcceptRequest(ctx, "bob", uuid.NewString()); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("unknown id: expected ErrRequestNotFound, got %v", err)
	}

	got, err := svc.AcceptRequest(ctx, "bob", r.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != domain.StatusAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}

	// Repeat accept and reject are both invalid once settled.
	if _, err := svc.AcceptRequest(ctx, "bob", r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double accept: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.RejectRequest(ctx, "bob", r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reject after accept: expected ErrInvalidTransition, got %v", err)
	}

	evs := sink.wait(t, 2)
	var accepted *Notification
	for i := range evs {
		if evs[i].Kind == NotifRequestAccepted {
			accepted = &evs[i]
		}
	}
	if accepted == nil || accepted.RecipientID != "alice" {
		t.Fatalf("missing acceptance notification in %+v", evs)
	}
}

func TestAccept_ScheduledCallMintsMeetingURIOnce(t *testing.T) {
	svc, _ := newTestService(t)
	svc.MeetingURIBase = "https://meet.test/r"
	ctx := context.Background()

	r, _, err := svc.SendScheduledCallRequest(ctx, "alice", "bob", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := svc.AcceptRequest(ctx, "bob", r.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.MeetingURI == nil || !strings.HasPrefix(*got.MeetingURI, "https://meet.test/r/") {
		t.Fatalf("meeting uri = %v", got.MeetingURI)
	}

	// Later reads return the same capability; nothing regenerates it.
	read, err := svc.GetRequest(ctx, "alice", r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if read.MeetingURI == nil || *read.MeetingURI != *got.MeetingURI {
		t.Fatal("meeting uri must be stable after acceptance")
	}
}

func TestReject_ReleasesSlotForFreshSend(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, _, err := svc.SendMessageRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rej, err := svc.RejectRequest(ctx, "bob", r.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", rej.Status)
	}

	fresh, created, err := svc.SendMessageRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send after reject: %v", err)
	}
	if !created {
		t.Fatal("send after reject must create a new request")
	}
	if fresh.ID == r.ID {
		t.Fatal("a rejected request must not be resurrected")
	}
	if fresh.Status != domain.StatusPending {
		t.Fatalf("fresh status = %s, want pending", fresh.Status)
	}
}

func TestWithdraw_AuthorizationMatrix(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Receiver cannot withdraw a pending request; that is what reject is for.
	pending, _, err := svc.SendDisclosureRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := svc.WithdrawRequest(ctx, "bob", pending.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("receiver withdraw of pending: expected ErrForbidden, got %v", err)
	}
	if err := svc.WithdrawRequest(ctx, "mallory", pending.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger withdraw: expected ErrForbidden, got %v", err)
	}
	if err := svc.WithdrawRequest(ctx, "alice", pending.ID); err != nil {
		t.Fatalf("sender withdraw of pending: %v", err)
	}
	if _, err := svc.GetRequest(ctx, "alice", pending.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("withdrawn request must be gone, got %v", err)
	}

	// Either party may sever an accepted connection.
	acc, _, err := svc.SendDisclosureRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.AcceptRequest(ctx, "bob", acc.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.WithdrawRequest(ctx, "bob", acc.ID); err != nil {
		t.Fatalf("receiver withdraw of accepted: %v", err)
	}

	// Withdrawal frees the pair for a brand-new request.
	if _, _, err := svc.SendDisclosureRequest(ctx, "bob", "alice"); err != nil {
		t.Fatalf("send after withdraw: %v", err)
	}
}

func TestRequestService_TracesMutations(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	svc, _ := newTestService(t)
	ctx := context.Background()

	r, _, err := svc.SendDisclosureRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.AcceptRequest(ctx, "bob", r.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.WithdrawRequest(ctx, "alice", r.ID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"Send", "Accept", "Withdraw"} {
		if !names[want] {
			t.Fatalf("missing %q span, got %v", want, names)
		}
	}
}

func TestGetRequest_ParticipantsOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, _, err := svc.SendDisclosureRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.GetRequest(ctx, "mallory", r.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.GetRequest(ctx, "bob", r.ID); err != nil {
		t.Fatalf("receiver read: %v", err)
	}
}

func TestLists_PagingAndBadge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := svc.SendDisclosureRequest(ctx, fmt.Sprintf("s%d", i), "u"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	items, total, err := svc.ListIncoming(ctx, "u", "", domain.StatusPending, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("page 1: total=%d len=%d", total, len(items))
	}
	items, _, err = svc.ListIncoming(ctx, "u", "", domain.StatusPending, 2, 2)
	if err != nil || len(items) != 1 {
		t.Fatalf("page 2: len=%d, %v", len(items), err)
	}

	n, err := svc.CountPendingIncoming(ctx, "u")
	if err != nil || n != 3 {
		t.Fatalf("badge = %d, %v", n, err)
	}

	out, total, err := svc.ListOutgoing(ctx, "s0", "", domain.StatusPending, 1, 10)
	if err != nil || total != 1 || len(out) != 1 {
		t.Fatalf("outgoing: total=%d len=%d, %v", total, len(out), err)
	}
}
