package worker

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"wagateway/internal/gateway"
	"wagateway/internal/infrastructure/database"
	"wagateway/internal/model"
	"wagateway/internal/queue"
	"wagateway/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "worker.db")), database.GormConfig(zerolog.Nop(), "silent"))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	return db
}

// blockingSender holds every call until release is closed.
type blockingSender struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSender) SendMessage(ctx context.Context, _ *model.Credential, _ any) (gateway.Response, error) {
	s.calls.Add(1)
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return gateway.Response{"ok": true}, nil
}

func TestConcurrentDeliveriesSendOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	messages := repository.NewMessageRepository(db)

	msg := &model.Message{
		ID: "msg_1", TenantID: "tnt_1", To: "+14155550001", From: "+14155550000", Type: "text",
		Body: model.JSONText(`{"whatsapp":{"messages":[]}}`), CredentialID: "cred_1", Status: model.MessageStatusQueued,
	}
	job := &model.OutboxMessage{MessageKey: "msg_1", Topic: "q", Payload: model.JSONText(`{"messageId":"msg_1"}`)}
	if err := messages.CreateQueued(ctx, msg, job); err != nil {
		t.Fatal(err)
	}

	sender := &blockingSender{entered: make(chan struct{}, 2), release: make(chan struct{})}
	creds := fakeCredentials{"cred_1": {ID: "cred_1", TenantID: "tnt_1", SID: "acme"}}
	w := NewSendWorker(messages, creds, sender, nil, zerolog.Nop())

	// the same job delivered twice, e.g. a redelivery after a consumer crash
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- w.Handle(ctx, delivery()) }()
	}

	// the delivery that lost the claim returns while the winner is still
	// inside the gateway call
	select {
	case err := <-results:
		if err != nil {
			close(sender.release)
			t.Fatalf("losing delivery = %v", err)
		}
	case <-time.After(5 * time.Second):
		close(sender.release)
		t.Fatalf("both deliveries blocked in the gateway: calls = %d", sender.calls.Load())
	}

	close(sender.release)
	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("winning delivery = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("winning delivery never finished")
	}

	if n := sender.calls.Load(); n != 1 {
		t.Fatalf("gateway called %d times", n)
	}
	got, err := messages.GetByID(ctx, "msg_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.MessageStatusSent || got.ClaimedAt != nil {
		t.Fatalf("msg = %+v", got)
	}
}

func TestRedeliveryAfterLeaseReleaseSends(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	messages := repository.NewMessageRepository(db)

	msg := &model.Message{
		ID: "msg_1", TenantID: "tnt_1", To: "+14155550001", From: "+14155550000", Type: "text",
		Body: model.JSONText(`{}`), CredentialID: "cred_1", Status: model.MessageStatusQueued,
	}
	if err := messages.CreateQueued(ctx, msg, &model.OutboxMessage{MessageKey: "msg_1", Topic: "q", Payload: model.JSONText(`{}`)}); err != nil {
		t.Fatal(err)
	}
	// a worker claimed it and died
	if err := messages.MarkSending(ctx, "msg_1"); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{resp: gateway.Response{"ok": true}}
	creds := fakeCredentials{"cred_1": {ID: "cred_1", TenantID: "tnt_1", SID: "acme"}}
	w := NewSendWorker(messages, creds, sender, nil, zerolog.Nop())

	if err := w.Handle(ctx, delivery()); err != nil || sender.calls != 0 {
		t.Fatalf("held claim: err = %v calls = %d", err, sender.calls)
	}

	cutoff := db.NowFunc().Add(time.Minute)
	if err := messages.ReleaseExpiredClaim(ctx, "msg_1", cutoff, "lease expired", &model.OutboxMessage{MessageKey: "msg_1", Topic: "q", Payload: model.JSONText(`{}`)}); err != nil {
		t.Fatal(err)
	}
	if err := w.Handle(ctx, queue.Delivery{Job: delivery().Job, Attempt: 1}); err != nil {
		t.Fatal(err)
	}
	if sender.calls != 1 {
		t.Fatalf("calls = %d", sender.calls)
	}
	if got, _ := messages.GetByID(ctx, "msg_1"); got.Status != model.MessageStatusSent {
		t.Fatalf("status = %s", got.Status)
	}
}
