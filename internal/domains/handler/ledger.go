package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes read-only endpoints for the audit ledger.
type LedgerHandler struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:idx", h.GetEntry)
	}
}

// Overview handles GET /ledger: the chain length and current root hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		fail(c, err)
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"entries": count, "root": root}, "")
}

// Verify handles GET /ledger/verify. A broken chain is reported in data, not
// as a request failure.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.ledger.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		respond(c, http.StatusOK, gin.H{"valid": false, "error": err.Error()}, "ledger chain is broken")
		return
	}
	respond(c, http.StatusOK, gin.H{"valid": true}, "")
}

// GetEntry handles GET /ledger/entries/:idx.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		failCode(c, model.CodeInvalidRequest, "idx must be a non-negative integer")
		return
	}
	entry, err := h.ledger.Get(c.Request.Context(), idx)
	if err != nil {
		failCode(c, model.CodeDomainNotFound, "entry not found")
		return
	}
	respond(c, http.StatusOK, entry, "")
}
