package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/auth"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/service"
	"go.uber.org/zap"
)

// Tracker is told about domains that just entered an asynchronous step so the
// reconciliation poller picks them up before its next re-list.
type Tracker interface {
	Track(id uuid.UUID)
}

// DomainHandler handles the domain lifecycle routes.
type DomainHandler struct {
	svc     *service.Service
	tokens  *auth.TokenIssuer
	tracker Tracker // nil = rely on the poller's re-list
	logger  *zap.Logger
}

// NewDomainHandler creates a DomainHandler. Every route requires an owner token
// issued by tokens.
func NewDomainHandler(svc *service.Service, tokens *auth.TokenIssuer, logger *zap.Logger) *DomainHandler {
	return &DomainHandler{svc: svc, tokens: tokens, logger: logger}
}

// SetTracker configures the poller notified after create, verify and retry.
func (h *DomainHandler) SetTracker(t Tracker) {
	h.tracker = t
}

// Register mounts the domain routes on the given router group.
func (h *DomainHandler) Register(rg *gin.RouterGroup) {
	d := rg.Group("/domains", auth.RequireOwner(h.tokens))
	{
		d.POST("", h.Create)
		d.GET("", h.List)
		d.GET("/available", h.Available)
		d.GET("/:id", h.Get)
		d.POST("/:id/verify", h.Verify)
		d.POST("/:id/retry", h.Retry)
		d.POST("/:id/check-status", h.CheckStatus)
		d.POST("/:id/activate", h.Activate)
		d.GET("/:id/impact", h.Impact)
		d.DELETE("/:id", h.Remove)
		d.GET("/:id/history", h.History)
	}
}

func (h *DomainHandler) track(id uuid.UUID) {
	if h.tracker != nil {
		h.tracker.Track(id)
	}
}

// domainID parses the :id path parameter, writing a 400 on failure.
func domainID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		failCode(c, model.CodeInvalidRequest, "invalid domain ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *DomainHandler) fail(c *gin.Context, op string, err error) {
	if model.CodeOf(err) == model.CodeInternal {
		h.logger.Error(op, zap.String("owner", auth.OwnerFromCtx(c)), zap.Error(err))
	}
	fail(c, err)
}

// Create handles POST /domains.
func (h *DomainHandler) Create(c *gin.Context) {
	var req service.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failCode(c, model.CodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := h.svc.Create(c.Request.Context(), auth.OwnerFromCtx(c), req)
	if err != nil {
		h.fail(c, "create domain", err)
		return
	}
	h.track(created.Domain.ID)
	respond(c, http.StatusCreated, created, "domain added; publish the DNS records, then verify")
}

// List handles GET /domains.
func (h *DomainHandler) List(c *gin.Context) {
	views, err := h.svc.List(c.Request.Context(), auth.OwnerFromCtx(c))
	if err != nil {
		h.fail(c, "list domains", err)
		return
	}
	respond(c, http.StatusOK, views, "")
}

// Available handles GET /domains/available?purpose=.
func (h *DomainHandler) Available(c *gin.Context) {
	purpose := model.Purpose(c.Query("purpose"))
	views, err := h.svc.ListAvailableForPurpose(c.Request.Context(), auth.OwnerFromCtx(c), purpose)
	if err != nil {
		h.fail(c, "list available domains", err)
		return
	}
	respond(c, http.StatusOK, views, "")
}

// Get handles GET /domains/:id.
func (h *DomainHandler) Get(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	v, err := h.svc.Get(c.Request.Context(), auth.OwnerFromCtx(c), id)
	if err != nil {
		h.fail(c, "get domain", err)
		return
	}
	respond(c, http.StatusOK, v, "")
}

// Verify handles POST /domains/:id/verify.
func (h *DomainHandler) Verify(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	v, err := h.svc.Verify(c.Request.Context(), auth.OwnerFromCtx(c), id)
	if err != nil {
		h.fail(c, "verify domain", err)
		return
	}
	h.track(id)
	respond(c, http.StatusOK, v, "DNS verified")
}

// Retry handles POST /domains/:id/retry. An accepted retry answers 202; the
// job outcome is observed through check-status.
func (h *DomainHandler) Retry(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	v, err := h.svc.Retry(c.Request.Context(), auth.OwnerFromCtx(c), id)
	if err != nil {
		h.fail(c, "retry certificate", err)
		return
	}
	h.track(id)
	respond(c, http.StatusAccepted, v, "certificate issuance started")
}

// CheckStatus handles POST /domains/:id/check-status.
func (h *DomainHandler) CheckStatus(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	res, err := h.svc.CheckStatus(c.Request.Context(), auth.OwnerFromCtx(c), id)
	if err != nil {
		h.fail(c, "check status", err)
		return
	}
	respond(c, http.StatusOK, res, res.Message)
}

type activateRequest struct {
	Purpose  model.Purpose `json:"purpose" binding:"required"`
	TargetID *uuid.UUID    `json:"target_id,omitempty"`
}

// Activate handles POST /domains/:id/activate.
func (h *DomainHandler) Activate(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failCode(c, model.CodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	b, err := h.svc.Activate(c.Request.Context(), auth.OwnerFromCtx(c), id, req.Purpose, req.TargetID)
	if err != nil {
		h.fail(c, "activate domain", err)
		return
	}
	respond(c, http.StatusOK, b, "domain activated for "+string(req.Purpose))
}

// Impact handles GET /domains/:id/impact?purpose=.
func (h *DomainHandler) Impact(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	impact, err := h.svc.CheckImpact(c.Request.Context(), auth.OwnerFromCtx(c), id, model.Purpose(c.Query("purpose")))
	if err != nil {
		h.fail(c, "check impact", err)
		return
	}
	respond(c, http.StatusOK, impact, "")
}

// Remove handles DELETE /domains/:id?purpose=&force=. Without force, a removal
// that affects dependents answers 200 with requires_confirmation set and
// changes nothing.
func (h *DomainHandler) Remove(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	force := false
	if raw := c.Query("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			failCode(c, model.CodeInvalidRequest, "force must be a boolean")
			return
		}
		force = v
	}

	res, err := h.svc.Remove(c.Request.Context(), auth.OwnerFromCtx(c), id, model.Purpose(c.Query("purpose")), force)
	if err != nil {
		h.fail(c, "remove domain", err)
		return
	}
	msg := "domain removed"
	switch res.Action {
	case model.RemoveRequiresConfirmation:
		msg = "removal affects dependent resources; repeat with force=true to confirm"
	case model.RemoveDeactivated:
		msg = "binding deactivated; the domain stays in use"
	}
	respond(c, http.StatusOK, res, msg)
}

// History handles GET /domains/:id/history.
func (h *DomainHandler) History(c *gin.Context) {
	id, ok := domainID(c)
	if !ok {
		return
	}
	entries, err := h.svc.History(c.Request.Context(), auth.OwnerFromCtx(c), id)
	if err != nil {
		h.fail(c, "domain history", err)
		return
	}
	respond(c, http.StatusOK, entries, "")
}
