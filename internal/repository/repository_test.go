package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"wagateway/internal/infrastructure/database"
	"wagateway/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo.db")
	db, err := gorm.Open(sqlite.Open(path), database.GormConfig(zerolog.Nop(), "silent"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func queuedMessage(id, tenantID string, key *string) *model.Message {
	return &model.Message{
		ID:             id,
		TenantID:       tenantID,
		IdempotencyKey: key,
		To:             "+14155550001",
		From:           "+14155550000",
		Type:           "text",
		Body:           model.JSONText(`{"whatsapp":{"messages":[]}}`),
		CredentialID:   "cred_1",
		Status:         model.MessageStatusQueued,
	}
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t))

	msg := queuedMessage("msg_1", "tnt_1", nil)
	job := &model.OutboxMessage{MessageKey: "msg_1", Topic: "send-messages", Payload: `{"messageId":"msg_1"}`}
	if err := repo.CreateQueued(ctx, msg, job); err != nil {
		t.Fatal(err)
	}

	if err := repo.MarkSending(ctx, "msg_1"); err != nil {
		t.Fatalf("MarkSending: %v", err)
	}
	if err := repo.MarkFailed(ctx, "msg_1", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ := repo.GetByID(ctx, "msg_1")
	if got.Status != model.MessageStatusFailed || got.FailedReason == nil || *got.FailedReason != "boom" {
		t.Fatalf("after failure: %+v", got)
	}

	// retry
	if err := repo.MarkSending(ctx, "msg_1"); err != nil {
		t.Fatalf("retry MarkSending: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if err := repo.MarkSent(ctx, "msg_1", strPtr("SM1"), now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	got, _ = repo.GetByID(ctx, "msg_1")
	if got.Status != model.MessageStatusSent || got.ExternalID == nil || *got.ExternalID != "SM1" || got.SentAt == nil {
		t.Fatalf("after send: %+v", got)
	}
	if got.FailedReason != nil {
		t.Fatalf("failedReason should be cleared, got %q", *got.FailedReason)
	}

	if err := repo.MarkSending(ctx, "msg_1"); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("SENT must not go back to SENDING, got %v", err)
	}
	if err := repo.Cancel(ctx, "tnt_1", "msg_1"); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("SENT must not be cancellable, got %v", err)
	}
}

func TestCancelOnlyQueuedAndTenantScoped(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t))
	_ = repo.Create(ctx, nil, queuedMessage("msg_1", "tnt_1", nil))

	if err := repo.Cancel(ctx, "tnt_2", "msg_1"); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("foreign tenant cancel = %v", err)
	}
	if err := repo.Cancel(ctx, "tnt_1", "msg_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.MarkSending(ctx, "msg_1"); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("cancelled message must not be claimed, got %v", err)
	}

	if _, err := repo.GetByTenantAndID(ctx, "tnt_2", "msg_1"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("cross-tenant read = %v", err)
	}
}

func TestIdempotencyKeyUniquePerTenant(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t))

	if err := repo.Create(ctx, nil, queuedMessage("msg_1", "tnt_1", strPtr("k1"))); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, nil, queuedMessage("msg_2", "tnt_2", strPtr("k1"))); err != nil {
		t.Fatalf("same key in another tenant must be allowed: %v", err)
	}
	if err := repo.Create(ctx, nil, queuedMessage("msg_3", "tnt_1", strPtr("k1"))); err == nil {
		t.Fatal("duplicate (tenant, key) must fail")
	}
	if err := repo.Create(ctx, nil, queuedMessage("msg_4", "tnt_1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, nil, queuedMessage("msg_5", "tnt_1", nil)); err != nil {
		t.Fatalf("messages without key must not collide: %v", err)
	}

	got, err := repo.GetByIdempotencyKey(ctx, "tnt_1", "k1")
	if err != nil || got == nil || got.ID != "msg_1" {
		t.Fatalf("lookup = %+v, %v", got, err)
	}
	if got, _ := repo.GetByIdempotencyKey(ctx, "tnt_1", "nope"); got != nil {
		t.Fatalf("unexpected hit %+v", got)
	}
}

func TestCreateQueuedRollsBackOnDuplicate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	outbox := NewOutboxRepository(db)

	first := &model.OutboxMessage{MessageKey: "msg_1", Topic: "q", Payload: "{}"}
	if err := repo.CreateQueued(ctx, queuedMessage("msg_1", "tnt_1", strPtr("k")), first); err != nil {
		t.Fatal(err)
	}
	second := &model.OutboxMessage{MessageKey: "msg_2", Topic: "q", Payload: "{}"}
	if err := repo.CreateQueued(ctx, queuedMessage("msg_2", "tnt_1", strPtr("k")), second); err == nil {
		t.Fatal("expected duplicate error")
	}

	pending, err := outbox.GetPendingMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].MessageKey != "msg_1" {
		t.Fatalf("outbox should hold only the first job, got %d rows", len(pending))
	}
}

func TestListByTenantNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	for i, id := range []string{"msg_a", "msg_b", "msg_c"} {
		m := queuedMessage(id, "tnt_1", nil)
		m.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if err := repo.Create(ctx, nil, m); err != nil {
			t.Fatal(err)
		}
	}
	_ = repo.Create(ctx, nil, queuedMessage("msg_other", "tnt_2", nil))

	msgs, err := repo.ListByTenant(ctx, "tnt_1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "msg_c" || msgs[1].ID != "msg_b" {
		t.Fatalf("unexpected order: %v", ids(msgs))
	}
}

func ids(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestCredentialTenantScope(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository(newTestDB(t))

	older := &model.Credential{ID: "cred_1", TenantID: "tnt_1", Label: "a", APIKey: "k", APIToken: "t", Subdomain: "s", SID: "sid",
		CreatedAt: time.Now().Add(-time.Hour)}
	newer := &model.Credential{ID: "cred_2", TenantID: "tnt_1", Label: "b", APIKey: "k", APIToken: "t", Subdomain: "s", SID: "sid"}
	_ = repo.Create(ctx, older)
	_ = repo.Create(ctx, newer)

	if _, err := repo.GetByTenantAndID(ctx, "tnt_2", "cred_1"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("cross-tenant credential = %v", err)
	}
	first, err := repo.FirstByTenant(ctx, "tnt_1")
	if err != nil || first.ID != "cred_1" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	if _, err := repo.FirstByTenant(ctx, "tnt_9"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("empty tenant = %v", err)
	}
}

func TestOutboxRetryAndFail(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository(newTestDB(t))

	row := &model.OutboxMessage{MessageKey: "msg_1", Topic: "q", Payload: "{}", Status: model.OutboxStatusPending}
	if err := repo.Create(ctx, nil, row); err != nil {
		t.Fatal(err)
	}
	if err := repo.RecordRetry(ctx, row.ID, "broker down"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkAsFailed(ctx, row.ID, "still down"); err != nil {
		t.Fatal(err)
	}
	// settled rows are left alone
	if err := repo.MarkAsSent(ctx, row.ID); err != nil {
		t.Fatal(err)
	}

	var got model.OutboxMessage
	if err := repo.db.First(&got, row.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != model.OutboxStatusFailed || got.RetryCount != 2 || got.LastError != "still down" {
		t.Fatalf("row = %+v", got)
	}

	failed, _ := repo.CountByStatus(ctx, model.OutboxStatusFailed)
	pending, _ := repo.CountByStatus(ctx, model.OutboxStatusPending)
	if failed != 1 || pending != 0 {
		t.Fatalf("failed=%d pending=%d", failed, pending)
	}
}

func TestWebhookListLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewWebhookRepository(newTestDB(t))
	for i := 0; i < 3; i++ {
		evt := &model.WebhookEvent{ID: "whe_" + string(rune('a'+i)), TenantID: "tnt_1", Source: model.WebhookSourceExotel, Payload: `{"i":1}`}
		if err := repo.Create(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}
	events, err := repo.ListByTenant(ctx, "tnt_1", 2)
	if err != nil || len(events) != 2 {
		t.Fatalf("events = %d, %v", len(events), err)
	}
}

// age rewinds updated_at as if the message had sat untouched for d.
func age(t *testing.T, db *gorm.DB, id string, d time.Duration) {
	t.Helper()
	err := db.Model(&model.Message{}).Where("id = ?", id).UpdateColumn("updated_at", db.NowFunc().Add(-d)).Error
	if err != nil {
		t.Fatal(err)
	}
}

func outboxJob(id string) *model.OutboxMessage {
	return &model.OutboxMessage{MessageKey: id, Topic: "q", Payload: model.JSONText(`{"messageId":"` + id + `"}`), Status: model.OutboxStatusPending}
}

func TestStaleQueuedAndRequeue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	outbox := NewOutboxRepository(db)

	job := outboxJob("msg_1")
	if err := repo.CreateQueued(ctx, queuedMessage("msg_1", "tnt_1", nil), job); err != nil {
		t.Fatal(err)
	}
	age(t, db, "msg_1", 2*time.Hour)
	before := db.NowFunc().Add(-time.Hour)

	stale, err := repo.ListStaleQueued(ctx, before, 10)
	if err != nil || len(stale) != 0 {
		t.Fatalf("pending outbox row should hide the message: %v %v", stale, err)
	}

	_ = outbox.MarkAsSent(ctx, job.ID)
	stale, _ = repo.ListStaleQueued(ctx, before, 10)
	if len(stale) != 1 || stale[0].ID != "msg_1" {
		t.Fatalf("stale = %v", stale)
	}
	if stale, _ = repo.ListStaleQueued(ctx, db.NowFunc().Add(-3*time.Hour), 10); len(stale) != 0 {
		t.Fatalf("fresh message reported stale: %v", stale)
	}

	if err := repo.Requeue(ctx, "msg_1", before, outboxJob("msg_1")); err != nil {
		t.Fatal(err)
	}
	if n, _ := outbox.CountByStatus(ctx, model.OutboxStatusPending); n != 1 {
		t.Fatalf("pending = %d", n)
	}

	age(t, db, "msg_1", 2*time.Hour)
	_ = repo.Cancel(ctx, "tnt_1", "msg_1")
	if err := repo.Requeue(ctx, "msg_1", before, outboxJob("msg_1")); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("requeue of cancelled message = %v", err)
	}
}

func TestRequeueOverlappingScans(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	outbox := NewOutboxRepository(db)

	job := outboxJob("msg_1")
	if err := repo.CreateQueued(ctx, queuedMessage("msg_1", "tnt_1", nil), job); err != nil {
		t.Fatal(err)
	}
	_ = outbox.MarkAsSent(ctx, job.ID)
	age(t, db, "msg_1", 2*time.Hour)

	// two scans read the same stale row before either requeues it
	before := db.NowFunc().Add(-time.Hour)
	first, _ := repo.ListStaleQueued(ctx, before, 10)
	second, _ := repo.ListStaleQueued(ctx, before, 10)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("scans = %v %v", first, second)
	}

	if err := repo.Requeue(ctx, first[0].ID, before, outboxJob("msg_1")); err != nil {
		t.Fatal(err)
	}
	if err := repo.Requeue(ctx, second[0].ID, before, outboxJob("msg_1")); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("second requeue = %v", err)
	}
	if n, _ := outbox.CountByStatus(ctx, model.OutboxStatusPending); n != 1 {
		t.Fatalf("pending = %d", n)
	}
}

func TestClaimIsExclusiveAndExpires(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	outbox := NewOutboxRepository(db)

	job := outboxJob("msg_1")
	if err := repo.CreateQueued(ctx, queuedMessage("msg_1", "tnt_1", nil), job); err != nil {
		t.Fatal(err)
	}
	_ = outbox.MarkAsSent(ctx, job.ID)

	if err := repo.MarkSending(ctx, "msg_1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkSending(ctx, "msg_1"); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("second claim = %v", err)
	}
	msg, _ := repo.GetByID(ctx, "msg_1")
	if msg.ClaimedAt == nil {
		t.Fatal("claim not stamped")
	}

	if expired, _ := repo.ListExpiredClaims(ctx, db.NowFunc().Add(-time.Minute), 10); len(expired) != 0 {
		t.Fatalf("live claim listed: %v", expired)
	}
	cutoff := db.NowFunc().Add(time.Minute)
	expired, err := repo.ListExpiredClaims(ctx, cutoff, 10)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expired = %v %v", expired, err)
	}

	if err := repo.ReleaseExpiredClaim(ctx, "msg_1", cutoff, "lease expired", outboxJob("msg_1")); err != nil {
		t.Fatal(err)
	}
	if err := repo.ReleaseExpiredClaim(ctx, "msg_1", cutoff, "lease expired", outboxJob("msg_1")); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("second release = %v", err)
	}
	msg, _ = repo.GetByID(ctx, "msg_1")
	if msg.Status != model.MessageStatusFailed || msg.ClaimedAt != nil || msg.FailedReason == nil || *msg.FailedReason != "lease expired" {
		t.Fatalf("msg = %+v", msg)
	}
	if n, _ := outbox.CountByStatus(ctx, model.OutboxStatusPending); n != 1 {
		t.Fatalf("pending = %d", n)
	}

	if err := repo.MarkSent(ctx, "msg_1", nil, time.Now()); !errors.Is(err, ErrMessageStatusInvalid) {
		t.Fatalf("late MarkSent on a released claim = %v", err)
	}
}
