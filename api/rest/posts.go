package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/ephemera/middleware"
	"github.com/kasuganosora/ephemera/model"
	"github.com/kasuganosora/ephemera/post"
	"go.uber.org/zap"
)

// PostHandler exposes the post registry.
type PostHandler struct {
	posts  *post.Registry
	logger *zap.Logger
}

// NewPostHandler creates a PostHandler.
func NewPostHandler(posts *post.Registry, logger *zap.Logger) *PostHandler {
	return &PostHandler{posts: posts, logger: logger}
}

func (h *PostHandler) view(p *model.Post) gin.H {
	return gin.H{"post": p, "expires_at": p.ExpiresAt(h.posts.TTL())}
}

// Create handles POST /api/posts. Media travels base64-encoded.
func (h *PostHandler) Create(c *gin.Context) {
	var req struct {
		Body        string `json:"body" binding:"required"`
		GroupID     *int64 `json:"group_id"`
		Media       []byte `json:"media"`
		ContentType string `json:"content_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.posts.Create(c.Request.Context(), mw.GetUserID(c), post.Payload{
		Body:        req.Body,
		GroupID:     req.GroupID,
		Media:       req.Media,
		ContentType: req.ContentType,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(p))
}

// List handles GET /api/posts?limit=.
func (h *PostHandler) List(c *gin.Context) {
	limit, ok := queryInt64(c, "limit")
	if !ok {
		return
	}
	n := 0
	if limit != nil {
		n = int(*limit)
	}
	posts, err := h.posts.ListActive(c.Request.Context(), mw.GetUserID(c), n)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

// Get handles GET /api/posts/:id.
func (h *PostHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.posts.Get(c.Request.Context(), mw.GetUserID(c), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.view(p))
}

// Delete handles DELETE /api/posts/:id.
func (h *PostHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	deleted, err := h.posts.SoftDelete(c.Request.Context(), id, mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// React handles POST /api/posts/:id/reactions.
func (h *PostHandler) React(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	r, err := h.posts.React(c.Request.Context(), id, mw.GetUserID(c), req.Emoji)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reaction": r})
}

// Vote handles POST /api/posts/:id/votes.
func (h *PostHandler) Vote(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Choice *int `json:"choice" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, err := h.posts.Vote(c.Request.Context(), id, mw.GetUserID(c), *req.Choice)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vote": v})
}
