package rest

import "github.com/gin-gonic/gin"

// Handlers groups the authenticated API handlers.
type Handlers struct {
	Posts     *PostHandler
	Channel   *ChannelHandler
	Relations *RelationHandler
}

// Mount registers the user-facing routes on g, which must already carry
// the auth middleware.
func Mount(g *gin.RouterGroup, h Handlers) {
	g.POST("/posts", h.Posts.Create)
	g.GET("/posts", h.Posts.List)
	g.GET("/posts/:id", h.Posts.Get)
	g.DELETE("/posts/:id", h.Posts.Delete)
	g.POST("/posts/:id/reactions", h.Posts.React)
	g.POST("/posts/:id/votes", h.Posts.Vote)

	g.POST("/posts/:id/channel/enter", h.Channel.Enter)
	g.GET("/posts/:id/channel/can-send", h.Channel.CanSend)
	g.GET("/posts/:id/channel/messages", h.Channel.History)
	g.POST("/posts/:id/channel/messages", h.Channel.Send)

	g.POST("/groups", h.Relations.CreateGroup)
	g.POST("/groups/:id/requests", h.Relations.RequestJoin)
	g.POST("/groups/:id/leave", h.Relations.Leave)
	g.POST("/groups/:id/members/:uid/expel", h.Relations.Expel)
	g.GET("/requests", h.Relations.Pending)
	g.POST("/requests/:id/accept", h.Relations.Accept)
	g.POST("/requests/:id/ignore", h.Relations.Ignore)
	g.POST("/blocks", h.Relations.Block)
	g.GET("/blocks", h.Relations.ListBlocks)
	g.DELETE("/blocks/:uid", h.Relations.Unblock)
}

// MountAdmin registers the admin routes on g, which must already carry
// AdminAuth.
func MountAdmin(g *gin.RouterGroup, h *AdminHandler) {
	g.POST("/sweep", h.Sweep)
	g.GET("/scheduler", h.ListSchedulerTasks)
	g.POST("/scheduler/:name/run", h.RunTask)
}
