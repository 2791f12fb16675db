package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"wagateway/internal/gateway"
	"wagateway/internal/infrastructure/database"
	"wagateway/internal/job"
	"wagateway/internal/metrics"
	"wagateway/internal/model"
	"wagateway/internal/queue"
	"wagateway/internal/repository"
	"wagateway/internal/service"
	"wagateway/internal/worker"
)

const webhookSecret = "hook-secret"

type upstreamCall struct {
	Method, Path, User, Pass string
	Body                     []byte
}

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	db       *gorm.DB
	relay    *job.OutboxRelay
	queue    *queue.MemoryQueue
	auth     *service.AuthService
	tenantID string
	token    string

	mu    sync.Mutex
	calls []upstreamCall
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	ts := &testServer{t: t}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), database.GormConfig(zerolog.Nop(), "silent"))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	ts.db = db

	exotel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.calls = append(ts.calls, upstreamCall{Method: r.Method, Path: r.URL.Path, User: user, Pass: pass, Body: body})
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"response":{"whatsapp":{"messages":[{"data":{"sid":"ext-42"}}]}}}`)
	}))
	t.Cleanup(exotel.Close)

	messages := repository.NewMessageRepository(db)
	credentials := repository.NewCredentialRepository(db)
	tenants := repository.NewTenantRepository(db)
	users := repository.NewUserRepository(db)

	tenant, _, err := service.SeedAdmin(ctx, tenants, users, "Demo Tenant", "admin@example.com", "changeme")
	if err != nil {
		t.Fatal(err)
	}
	ts.tenantID = tenant.ID
	if err := tenants.Create(ctx, &model.Tenant{ID: "t_other", Name: "Other"}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*model.Credential{
		{ID: "c1", TenantID: tenant.ID, Label: "main", APIKey: "key", APIToken: "tok", Subdomain: "api", SID: "acme"},
		{ID: "c_other", TenantID: "t_other", Label: "x", APIKey: "k", APIToken: "t", Subdomain: "api", SID: "other"},
	} {
		if err := credentials.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	client := gateway.NewClient("api.exotel.com", 5*time.Second,
		gateway.WithBaseURLResolver(func(*model.Credential) string { return exotel.URL }))
	m := metrics.New(prometheus.NewRegistry())

	ts.auth = service.NewAuthService(users, "jwt-secret", time.Hour)
	svc := Services{
		Messages:    service.NewMessageService(messages, credentials, nil, "send-messages", 50, zerolog.Nop()),
		Credentials: service.NewCredentialService(credentials),
		Templates:   service.NewTemplateService(repository.NewTemplateRepository(db), credentials, client, zerolog.Nop()),
		Onboarding:  service.NewOnboardingService(repository.NewOnboardingRepository(db), credentials, client, time.Hour, 5, zerolog.Nop()),
		Webhooks:    service.NewWebhookService(repository.NewWebhookRepository(db), tenants, webhookSecret, 100, zerolog.Nop()),
		Auth:        ts.auth,
	}
	h := NewHandler(svc, ReadyCheck{Name: "database", Ping: func(ctx context.Context) error { return sqlDB.PingContext(ctx) }})
	ts.router = SetupRouter(h, m, prometheus.NewRegistry(), zerolog.Nop())

	ts.queue = queue.NewMemoryQueue(16, 1, queue.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())
	t.Cleanup(func() { _ = ts.queue.Close() })
	ts.relay = job.NewOutboxRelay(repository.NewOutboxRepository(db), ts.queue, time.Millisecond, 10, 3, m, zerolog.Nop())

	sendWorker := worker.NewSendWorker(messages, credentials, client, m, zerolog.Nop())
	wctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sendWorker.Run(wctx, ts.queue)

	ts.token = ts.login("admin@example.com", "changeme")
	return ts
}

func (ts *testServer) do(method, path, token string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) login(email, password string) string {
	w := ts.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"`+email+`","password":"`+password+`"}`, nil)
	if w.Code != http.StatusOK {
		ts.t.Fatalf("login: %d %s", w.Code, w.Body)
	}
	var out struct{ Token string }
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

const submission = `{"credentialId":"c1","whatsapp":{"messages":[{"from":"+14155550000","to":"+14155550001","content":{"type":"text","text":{"body":"hi"}}}]}}`

func TestSubmitEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/messages", ts.token, submission, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body)
	}
	res := decode(t, w)
	if res["status"] != model.MessageStatusQueued || res["queuedMessages"] != float64(1) {
		t.Fatalf("submit body = %v", res)
	}
	id := res["id"].(string)

	if n := ts.relay.RelayPending(context.Background()); n != 1 {
		t.Fatalf("relayed %d", n)
	}

	var msg map[string]any
	deadline := time.Now().Add(3 * time.Second)
	for {
		w = ts.do(http.MethodGet, "/api/v1/messages/"+id, ts.token, "", nil)
		msg = decode(t, w)
		if msg["status"] == model.MessageStatusSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never sent: %v", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if msg["externalId"] != "ext-42" || msg["sentAt"] == nil {
		t.Fatalf("sent message = %v", msg)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.calls) != 1 {
		t.Fatalf("upstream calls = %d", len(ts.calls))
	}
	call := ts.calls[0]
	if call.Method != http.MethodPost || call.Path != "/v2/accounts/acme/messages" || call.User != "key" || call.Pass != "tok" {
		t.Fatalf("upstream call = %+v", call)
	}
	var sent map[string]any
	_ = json.Unmarshal(call.Body, &sent)
	if _, ok := sent["whatsapp"]; !ok {
		t.Fatalf("upstream body = %s", call.Body)
	}
}

func TestSubmitIdempotencyReplay(t *testing.T) {
	ts := newTestServer(t)
	hdr := map[string]string{"Idempotency-Key": "abc"}

	first := ts.do(http.MethodPost, "/api/v1/messages", ts.token, submission, hdr)
	second := ts.do(http.MethodPost, "/api/v1/messages", ts.token, submission, hdr)
	if first.Code != http.StatusAccepted || second.Code != http.StatusOK {
		t.Fatalf("codes %d %d", first.Code, second.Code)
	}
	a, b := decode(t, first), decode(t, second)
	if a["id"] != b["id"] || b["idempotent"] != true {
		t.Fatalf("replay = %v", b)
	}

	var n int64
	ts.db.Model(&model.Message{}).Count(&n)
	if n != 1 {
		t.Fatalf("rows = %d", n)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	bad := `{"credentialId":"c1","whatsapp":{"messages":[
		{"from":"+14155550000","to":"+14155550001","content":{"type":"text","text":{"body":"ok"}}},
		{"from":"+14155550000","to":"+14155550002","content":{"type":"image","image":{}}}]}}`
	w := ts.do(http.MethodPost, "/api/v1/messages", ts.token, bad, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid batch: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "whatsapp.messages.1.content.image.link") {
		t.Fatalf("details missing field path: %s", w.Body)
	}

	w = ts.do(http.MethodPost, "/api/v1/messages", ts.token, `{"nope":true}`, nil)
	body := decode(t, w)
	details, _ := body["details"].(map[string]any)
	if w.Code != http.StatusBadRequest || details["canonical"] == nil || details["legacy"] == nil {
		t.Fatalf("schema errors: %d %v", w.Code, body)
	}

	foreign := strings.Replace(submission, `"c1"`, `"c_other"`, 1)
	if w := ts.do(http.MethodPost, "/api/v1/messages", ts.token, foreign, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("foreign credential: %d", w.Code)
	}

	var n int64
	ts.db.Model(&model.Message{}).Count(&n)
	if n != 0 {
		t.Fatalf("rows = %d", n)
	}
}

func TestCancelFlow(t *testing.T) {
	ts := newTestServer(t)

	id := decode(t, ts.do(http.MethodPost, "/api/v1/messages", ts.token, submission, nil))["id"].(string)

	w := ts.do(http.MethodPost, "/api/v1/messages/"+id+"/cancel", ts.token, "", nil)
	if w.Code != http.StatusOK || decode(t, w)["status"] != model.MessageStatusCancelled {
		t.Fatalf("cancel: %d %s", w.Code, w.Body)
	}
	if w := ts.do(http.MethodPost, "/api/v1/messages/"+id+"/cancel", ts.token, "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("second cancel: %d", w.Code)
	}
	if w := ts.do(http.MethodPost, "/api/v1/messages/msg_404/cancel", ts.token, "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing cancel: %d", w.Code)
	}

	other, _ := ts.auth.Issue("usr_x", "t_other", model.RoleAdmin)
	if w := ts.do(http.MethodGet, "/api/v1/messages/"+id, other, "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get: %d", w.Code)
	}

	// the relayed job finds the message cancelled and never calls Exotel
	ts.relay.RelayPending(context.Background())
	time.Sleep(50 * time.Millisecond)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.calls) != 0 {
		t.Fatalf("cancelled message was sent")
	}
}

func TestWebhookSignature(t *testing.T) {
	ts := newTestServer(t)
	body := `{"sid":"ext-42","status":"delivered"}`
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	sig := hex.EncodeToString(mac.Sum(nil))

	path := "/api/v1/webhooks/exotel?tenantId=" + ts.tenantID
	if w := ts.do(http.MethodPost, path, "", body, map[string]string{"X-Exotel-Signature": "bad"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", w.Code)
	}
	unknown := "/api/v1/webhooks/exotel?tenantId=tnt_missing"
	if w := ts.do(http.MethodPost, unknown, "", body, map[string]string{"X-Exotel-Signature": "bad"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown tenant, bad signature: %d", w.Code)
	}
	if w := ts.do(http.MethodPost, path, "", body, map[string]string{"X-Exotel-Signature": sig}); w.Code != http.StatusOK {
		t.Fatalf("good signature: %d %s", w.Code, w.Body)
	}

	w := ts.do(http.MethodGet, "/api/v1/webhooks/logs", ts.token, "", nil)
	var logs []map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &logs)
	if len(logs) != 1 || logs[0]["source"] != model.WebhookSourceExotel {
		t.Fatalf("logs = %s", w.Body)
	}
}

func TestAuthAndRoles(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do(http.MethodGet, "/api/v1/messages", "", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	if w := ts.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"admin@example.com","password":"nope"}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", w.Code)
	}

	viewer, _ := ts.auth.Issue("usr_v", ts.tenantID, model.RoleViewer)
	cred := `{"label":"l","apiKey":"k","apiToken":"t","subdomain":"api","sid":"s"}`
	if w := ts.do(http.MethodPost, "/api/v1/credentials", viewer, cred, nil); w.Code != http.StatusForbidden {
		t.Fatalf("viewer create credential: %d", w.Code)
	}
	w := ts.do(http.MethodPost, "/api/v1/credentials", ts.token, cred, nil)
	if w.Code != http.StatusCreated || strings.Contains(w.Body.String(), `"apiToken"`) {
		t.Fatalf("admin create credential: %d %s", w.Code, w.Body)
	}

	w = ts.do(http.MethodGet, "/api/v1/auth/me", ts.token, "", nil)
	if w.Code != http.StatusOK || decode(t, w)["email"] != "admin@example.com" {
		t.Fatalf("me: %d %s", w.Code, w.Body)
	}

	w = ts.do(http.MethodPost, "/api/v1/auth/refresh", "", `{"token":"`+ts.token+`"}`, nil)
	if w.Code != http.StatusOK || decode(t, w)["token"] == "" {
		t.Fatalf("refresh: %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(http.MethodGet, "/healthz", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/readyz", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("readyz: %d %s", w.Code, w.Body)
	}
	if w := ts.do(http.MethodGet, "/metrics", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/healthz", "", "", nil); w.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

