package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/ephemera/middleware"
	"github.com/kasuganosora/ephemera/relation"
	"go.uber.org/zap"
)

// RelationHandler exposes groups, join requests and blocks.
type RelationHandler struct {
	ledger *relation.Ledger
	logger *zap.Logger
}

// NewRelationHandler creates a RelationHandler.
func NewRelationHandler(ledger *relation.Ledger, logger *zap.Logger) *RelationHandler {
	return &RelationHandler{ledger: ledger, logger: logger}
}

type separation struct {
	Block  bool   `json:"block"`
	Reason string `json:"reason" binding:"max=255"`
}

// CreateGroup handles POST /api/groups.
func (h *RelationHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	g, err := h.ledger.CreateGroup(c.Request.Context(), mw.GetUserID(c), req.Name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group": g})
}

// RequestJoin handles POST /api/groups/:id/requests.
func (h *RelationHandler) RequestJoin(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Username string `json:"username" binding:"required"`
		PostID   *int64 `json:"post_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	edge, err := h.ledger.RequestJoin(c.Request.Context(), mw.GetUserID(c), req.Username, groupID, req.PostID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": edge})
}

// Leave handles POST /api/groups/:id/leave.
func (h *RelationHandler) Leave(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req separation
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if err := h.ledger.Leave(c.Request.Context(), groupID, mw.GetUserID(c), req.Block, req.Reason); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Expel handles POST /api/groups/:id/members/:uid/expel.
func (h *RelationHandler) Expel(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	memberID, ok := paramID(c, "uid")
	if !ok {
		return
	}
	var req separation
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if err := h.ledger.Expel(c.Request.Context(), groupID, mw.GetUserID(c), memberID, req.Block, req.Reason); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Pending handles GET /api/requests.
func (h *RelationHandler) Pending(c *gin.Context) {
	edges, err := h.ledger.Pending(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": edges})
}

// Accept handles POST /api/requests/:id/accept.
func (h *RelationHandler) Accept(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	edge, err := h.ledger.Accept(c.Request.Context(), id, mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": edge})
}

// Ignore handles POST /api/requests/:id/ignore.
func (h *RelationHandler) Ignore(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	edge, err := h.ledger.Ignore(c.Request.Context(), id, mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": edge})
}

// Block handles POST /api/blocks.
func (h *RelationHandler) Block(c *gin.Context) {
	var req struct {
		UserID int64  `json:"user_id" binding:"required,gt=0"`
		Reason string `json:"reason" binding:"max=255"`
		PostID *int64 `json:"post_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	edge, err := h.ledger.Block(c.Request.Context(), mw.GetUserID(c), req.UserID, req.Reason, req.PostID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"block": edge})
}

// Unblock handles DELETE /api/blocks/:uid?group_id=.
func (h *RelationHandler) Unblock(c *gin.Context) {
	targetID, ok := paramID(c, "uid")
	if !ok {
		return
	}
	groupID, ok := queryInt64(c, "group_id")
	if !ok {
		return
	}
	n, err := h.ledger.Unblock(c.Request.Context(), mw.GetUserID(c), targetID, groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unblocked": n})
}

// ListBlocks handles GET /api/blocks.
func (h *RelationHandler) ListBlocks(c *gin.Context) {
	ids, err := h.ledger.BlockedUserIDs(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": ids})
}
