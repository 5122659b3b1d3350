package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appconfig "github.com/kotori-ai/voicehub-server/internal/config"
	"github.com/kotori-ai/voicehub-server/internal/hub"
	"github.com/kotori-ai/voicehub-server/internal/storage"
	"github.com/kotori-ai/voicehub-server/internal/ws"
	"github.com/kotori-ai/voicehub-server/pkg/speech"
)

type commandRequest struct {
	Name     string         `json:"name" binding:"required"`
	Params   map[string]any `json:"params"`
	Priority string         `json:"priority"`
}

type speakRequest struct {
	Text  string  `json:"text" binding:"required"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// NewRouter executes the newRouter function.
func NewRouter(cfg appconfig.Config, wsHandler *ws.Handler, hb *hub.Hub, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/device-ws", func(c *gin.Context) {
		wsHandler.Handle(c.Writer, c.Request)
	})

	api := router.Group("/api")

	api.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"devices": hb.Devices()})
	})

	api.GET("/devices/:id", func(c *gin.Context) {
		snap, ok := hb.Device(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	api.DELETE("/devices/:id", func(c *gin.Context) {
		if err := hb.RemoveDevice(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": true})
	})

	api.POST("/devices/:id/command", func(c *gin.Context) {
		var req commandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		priority := hub.PriorityNormal
		if req.Priority == "high" {
			priority = hub.PriorityHigh
		}
		receipt, err := hb.SendCommand(c.Param("id"), req.Name, req.Params, priority)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, hub.ErrUnknownDevice) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if receipt.Queued {
			c.JSON(http.StatusAccepted, gin.H{
				"command_id": receipt.CommandID,
				"queued":     true,
				"position":   receipt.Position,
			})
			return
		}
		select {
		case result := <-receipt.Result:
			c.JSON(http.StatusOK, result)
		case <-c.Request.Context().Done():
			c.JSON(http.StatusAccepted, gin.H{"command_id": receipt.CommandID, "queued": false})
		}
	})

	api.POST("/devices/:id/speak", func(c *gin.Context) {
		var req speakRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts := speech.SynthesisOptions{Voice: req.Voice, Speed: req.Speed}
		if err := hb.Speak(c.Request.Context(), c.Param("id"), req.Text, opts); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, hub.ErrUnknownDevice) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true})
	})

	api.GET("/devices/:id/group", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"members": hb.GroupMembers(c.Param("id"))})
	})

	api.POST("/devices/:id/group", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ok, message, members := hb.AddToGroup(c.Param("id"), req.DeviceID)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": message})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": message, "members": members})
	})

	api.DELETE("/devices/:id/group/:target", func(c *gin.Context) {
		ok, message, members := hb.RemoveFromGroup(c.Param("id"), c.Param("target"))
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": message})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": message, "members": members})
	})

	api.POST("/devices/:id/broadcast", func(c *gin.Context) {
		var req commandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		priority := hub.PriorityNormal
		if req.Priority == "high" {
			priority = hub.PriorityHigh
		}
		receipts, err := hb.BroadcastCommand(c.Param("id"), req.Name, req.Params, priority)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, hub.ErrUnknownDevice) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		summary := make(map[string]gin.H, len(receipts))
		for member, receipt := range receipts {
			summary[member] = gin.H{
				"command_id": receipt.CommandID,
				"queued":     receipt.Queued,
				"position":   receipt.Position,
			}
		}
		c.JSON(http.StatusOK, gin.H{"receipts": summary})
	})

	api.GET("/devices/:id/transcripts", func(c *gin.Context) {
		deviceID := c.Param("id")
		if day := c.Query("day"); day != "" {
			entries, err := storage.GetTranscripts(cfg.TranscriptsDir, deviceID, day)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "no transcripts for day"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"transcripts": entries})
			return
		}
		c.JSON(http.StatusOK, gin.H{"days": storage.ListDays(cfg.TranscriptsDir, deviceID)})
	})

	api.DELETE("/devices/:id/transcripts/:day", func(c *gin.Context) {
		if !storage.DeleteTranscripts(cfg.TranscriptsDir, c.Param("id"), c.Param("day")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no transcripts for day"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": true})
	})

	api.GET("/profiles", func(c *gin.Context) {
		profiles, err := appconfig.ScanProfiles(cfg.ProfilesDir)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"profiles": profiles})
	})

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
