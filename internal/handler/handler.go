package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"wagateway/internal/service"
	"wagateway/pkg/response"
)

const maxSubmissionBytes = 1 << 20

// Services are the dependencies of the HTTP handlers.
type Services struct {
	Messages    *service.MessageService
	Credentials *service.CredentialService
	Templates   *service.TemplateService
	Onboarding  *service.OnboardingService
	Webhooks    *service.WebhookService
	Auth        *service.AuthService
}

// ReadyCheck is one dependency probed by /readyz.
type ReadyCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Handler struct {
	svc    Services
	checks []ReadyCheck
}

func NewHandler(svc Services, checks ...ReadyCheck) *Handler {
	return &Handler{svc: svc, checks: checks}
}

// ============================================================
// auth
// ============================================================

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "email and password required")
		return
	}
	token, err := h.svc.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"token": token})
}

type RefreshRequest struct {
	Token string `json:"token" binding:"required"`
}

// POST /api/v1/auth/refresh
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Unauthorized(c, "invalid token")
		return
	}
	token, err := h.svc.Auth.Refresh(req.Token)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"token": token})
}

// GET /api/v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	user, err := h.svc.Auth.Me(c.Request.Context(), currentClaims(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, user)
}

// ============================================================
// messages
// ============================================================

// POST /api/v1/messages
func (h *Handler) SubmitMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmissionBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ParamError(c, "request body too large or unreadable")
		return
	}

	res, err := h.svc.Messages.Submit(c.Request.Context(), tenantID(c), c.GetHeader("Idempotency-Key"), raw)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if res.Idempotent {
		response.Success(c, res)
		return
	}
	response.JSON(c, http.StatusAccepted, res)
}

// GET /api/v1/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.svc.Messages.List(c.Request.Context(), tenantID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, msgs)
}

// GET /api/v1/messages/:id
func (h *Handler) GetMessage(c *gin.Context) {
	msg, err := h.svc.Messages.Get(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, msg)
}

// POST /api/v1/messages/:id/cancel
func (h *Handler) CancelMessage(c *gin.Context) {
	msg, err := h.svc.Messages.Cancel(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"id": msg.ID, "status": msg.Status})
}

// ============================================================
// credentials
// ============================================================

// GET /api/v1/credentials
func (h *Handler) ListCredentials(c *gin.Context) {
	creds, err := h.svc.Credentials.List(c.Request.Context(), tenantID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, creds)
}

// POST /api/v1/credentials
func (h *Handler) CreateCredential(c *gin.Context) {
	var req service.CreateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid credential", err.Error())
		return
	}
	cred, err := h.svc.Credentials.Create(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, cred)
}

// ============================================================
// templates
// ============================================================

// GET /api/v1/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	tpls, err := h.svc.Templates.List(c.Request.Context(), tenantID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, tpls)
}

// POST /api/v1/templates
func (h *Handler) CreateTemplate(c *gin.Context) {
	var req service.CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid template", err.Error())
		return
	}
	tpl, err := h.svc.Templates.Create(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, tpl)
}

// GET /api/v1/templates/remote?credentialId=
func (h *Handler) ListRemoteTemplates(c *gin.Context) {
	resp, err := h.svc.Templates.ListRemote(c.Request.Context(), tenantID(c), c.Query("credentialId"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, resp)
}

// ============================================================
// onboarding links
// ============================================================

// GET /api/v1/onboarding-links
func (h *Handler) ListOnboardingLinks(c *gin.Context) {
	links, err := h.svc.Onboarding.List(c.Request.Context(), tenantID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, links)
}

// POST /api/v1/onboarding-links
func (h *Handler) CreateOnboardingLinks(c *gin.Context) {
	var req service.CreateOnboardingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	links, err := h.svc.Onboarding.Create(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, links)
}

// GET /api/v1/onboarding-links/validate?token=&credentialId=
func (h *Handler) ValidateOnboardingToken(c *gin.Context) {
	resp, err := h.svc.Onboarding.Validate(c.Request.Context(), tenantID(c), c.Query("credentialId"), c.Query("token"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, resp)
}

// ============================================================
// webhooks
// ============================================================

// POST /api/v1/webhooks/exotel?tenantId=
func (h *Handler) ReceiveExotelWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmissionBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ParamError(c, "request body too large or unreadable")
		return
	}
	if _, err := h.svc.Webhooks.Receive(c.Request.Context(), c.Query("tenantId"), raw, c.GetHeader("X-Exotel-Signature")); err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"ok": true})
}

// GET /api/v1/webhooks/logs
func (h *Handler) ListWebhookLogs(c *gin.Context) {
	events, err := h.svc.Webhooks.Logs(c.Request.Context(), tenantID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, events)
}

// ============================================================
// health
// ============================================================

func (h *Handler) Healthz(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// Readyz pings every dependency and answers 503 if any fails.
func (h *Handler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[check.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		response.JSON(c, http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
		return
	}
	response.Success(c, gin.H{"status": "ready"})
}

func tenantID(c *gin.Context) string {
	if claims := currentClaims(c); claims != nil {
		return claims.TenantID
	}
	return ""
}
