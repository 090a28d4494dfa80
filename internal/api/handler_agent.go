package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gymagent/internal/ledger"
	"gymagent/internal/service"
)

type AgentHandler struct {
	dispatcher *service.Dispatcher
	poller     *service.Poller
	led        ledger.Ledger
}

func NewAgentHandler(dispatcher *service.Dispatcher, poller *service.Poller, led ledger.Ledger) *AgentHandler {
	return &AgentHandler{
		dispatcher: dispatcher,
		poller:     poller,
		led:        led,
	}
}

// Status handles GET /status
func (h *AgentHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Status())
}

// ProcessedEmails handles GET /processed-emails
func (h *AgentHandler) ProcessedEmails(c *gin.Context) {
	records, err := h.led.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":     len(records),
		"processed": records,
	})
}

// ProcessEmail handles POST /process-email
func (h *AgentHandler) ProcessEmail(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
		Force     bool   `json:"force"`
	}

	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
		return
	}

	err := h.dispatcher.ProcessOne(c.Request.Context(), req.MessageID, req.Force)
	switch {
	case errors.Is(err, service.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "already processed, pass force to retry a failure"})
	case errors.Is(err, service.ErrForceNotAllowed):
		c.JSON(http.StatusConflict, gin.H{"error": "only failed messages can be force reprocessed"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"message_id": req.MessageID,
			"status":     "processed",
		})
	}
}

// CheckEmails handles POST /check-emails
func (h *AgentHandler) CheckEmails(c *gin.Context) {
	published, err := h.poller.CheckNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"published": published,
	})
}
