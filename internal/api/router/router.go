package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/polizaops/scheduled-notifier/internal/api/handlers/notification"
	"github.com/polizaops/scheduled-notifier/internal/middlewares"
)

func New(handler *notification.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(middlewares.CORSMiddleware())
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api/notifications")
	{
		api.POST("/", handler.Create)
		api.GET("/", handler.GetActive)
		api.GET("/:id", handler.GetStatus)
		api.DELETE("/:id", handler.Cancel)
		api.DELETE("/expedient/:expedient", handler.CancelByExpedient)
	}

	return e
}
