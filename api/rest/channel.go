package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/channel"
	mw "github.com/kasuganosora/ephemera/middleware"
	"go.uber.org/zap"
)

// ChannelHandler exposes the per-post chat.
type ChannelHandler struct {
	gate   *channel.Gate
	logger *zap.Logger
}

// NewChannelHandler creates a ChannelHandler.
func NewChannelHandler(gate *channel.Gate, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{gate: gate, logger: logger}
}

// Enter handles POST /api/posts/:id/channel/enter.
func (h *ChannelHandler) Enter(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.gate.Enter(c.Request.Context(), id, mw.GetUserID(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CanSend handles GET /api/posts/:id/channel/can-send.
func (h *ChannelHandler) CanSend(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	d, err := h.gate.CanSend(c.Request.Context(), id, mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// History handles GET /api/posts/:id/channel/messages?after=&limit=.
func (h *ChannelHandler) History(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	after, ok := queryInt64(c, "after")
	if !ok {
		return
	}
	limit, ok := queryInt64(c, "limit")
	if !ok {
		return
	}
	var afterID int64
	if after != nil {
		afterID = *after
	}
	n := 0
	if limit != nil {
		n = int(*limit)
	}
	msgs, err := h.gate.History(c.Request.Context(), id, mw.GetUserID(c), afterID, n)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Send handles POST /api/posts/:id/channel/messages.
func (h *ChannelHandler) Send(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Text      string `json:"text" binding:"required"`
		InReplyTo *int64 `json:"in_reply_to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := h.gate.RecordMessage(c.Request.Context(), id, mw.GetUserID(c), req.Text, req.InReplyTo)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}
