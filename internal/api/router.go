package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/swapdesk/chatserver/internal/app"
	"github.com/swapdesk/chatserver/internal/auth"
	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/internal/handlers"
	"github.com/swapdesk/chatserver/internal/middleware"
	"github.com/swapdesk/chatserver/internal/ws"
)

// NewRouter builds the Gin engine, wires middleware and registers the chat
// delivery routes: the websocket endpoint, the file transfer endpoints and
// the delivery status pull path.
func NewRouter(db *gorm.DB, cfg *app.Config, wsRouter *ws.Router, files *chat.FileService, statuses *chat.DeliveryStatusService, keys auth.KeyDirectory) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if wsRouter == nil {
		return nil, fmt.Errorf("websocket router must be provided")
	}
	if keys == nil {
		return nil, fmt.Errorf("key directory must be provided")
	}

	fileHandler, err := handlers.NewFileHandler(files)
	if err != nil {
		return nil, err
	}
	statusHandler, err := handlers.NewStatusHandler(statuses)
	if err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.RateLimit(cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window))

	// Public endpoints
	r.GET("/health", handlers.Health(db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket endpoint authenticates inside the first frame, not via
	// headers, so it mounts outside the signed-request group.
	r.GET("/ws", wsRouter.ServeWS)

	requireAuth := middleware.SignatureAuth(keys, cfg.Auth.ReplayWindow)

	chatGroup := r.Group("/chat")
	chatGroup.Use(requireAuth)

	filesGroup := chatGroup.Group("/files")
	{
		uploadLimit := middleware.RateLimit(cfg.Files.UploadRateLimit.Requests, cfg.Files.UploadRateLimit.Window)
		filesGroup.POST("/upload", uploadLimit, fileHandler.Upload)
		filesGroup.GET("/download/:fileId", fileHandler.Download)
		filesGroup.GET("/pending", fileHandler.Pending)
	}

	messages := chatGroup.Group("/messages")
	{
		messages.GET("/status", statusHandler.Query)
		messages.GET("/status/sent", statusHandler.Sent)
	}

	return r, nil
}
