package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"trackcast/cache"
	"trackcast/provider"
	"trackcast/resolver"
)

// Manager wires the cache engine to the HTTP surface.
type Manager struct {
	cache  *cache.Manager
	logger *log.Entry
}

func NewManager(cacheManager *cache.Manager) *Manager {
	return &Manager{
		cache:  cacheManager,
		logger: log.WithFields(log.Fields{"module": "handlers"}),
	}
}

// Register mounts every route on the router.
func (m *Manager) Register(router *gin.Engine) {
	router.GET("/healthz", m.Health)
	router.GET("/stream/:trackID", m.GetStream)
	router.POST("/stream/:trackID/refresh", m.RefreshStream)
	router.POST("/prefetch", m.Prefetch)
	router.POST("/cache/refresh", m.RefreshExpiring)
	router.POST("/cache/cleanup", m.Cleanup)
	router.GET("/cache/stats", m.Stats)
	router.DELETE("/cache", m.Clear)
}

func (m *Manager) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (m *Manager) GetStream(c *gin.Context) {
	trackID := c.Param("trackID")
	hints := provider.Hints{
		Title:  c.Query("title"),
		Artist: c.Query("artist"),
	}

	entry, err := m.cache.GetStreamURL(c.Request.Context(), trackID, hints)
	if err != nil {
		var exhausted *resolver.ExhaustedError
		if errors.As(err, &exhausted) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no provider could resolve this track"})
			return
		}
		m.logger.Errorf("stream lookup failed for %s: %v", trackID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to resolve stream"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"track_id":     entry.TrackID,
		"stream_url":   entry.StreamURL,
		"codec":        entry.Codec,
		"bitrate_kbps": entry.BitrateKbps,
		"expires_at":   entry.ExpiresAt,
	})
}

func (m *Manager) RefreshStream(c *gin.Context) {
	trackID := c.Param("trackID")
	hints := provider.Hints{
		Title:  c.Query("title"),
		Artist: c.Query("artist"),
	}

	entry, err := m.cache.ForceRefresh(c.Request.Context(), trackID, hints)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to refresh stream"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"track_id":   entry.TrackID,
		"stream_url": entry.StreamURL,
		"expires_at": entry.ExpiresAt,
	})
}

type prefetchRequest struct {
	IDs   []string                 `json:"ids" binding:"required"`
	Hints map[string]prefetchHints `json:"hints"`
}

type prefetchHints struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

func (m *Manager) Prefetch(c *gin.Context) {
	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must contain an ids array"})
		return
	}

	hintsByID := make(map[string]provider.Hints, len(req.Hints))
	for id, h := range req.Hints {
		hintsByID[id] = provider.Hints{Title: h.Title, Artist: h.Artist}
	}

	count := m.cache.PrefetchURLs(c.Request.Context(), req.IDs, hintsByID)
	c.JSON(http.StatusAccepted, gin.H{"requested": len(req.IDs), "prefetched": count})
}

func (m *Manager) RefreshExpiring(c *gin.Context) {
	count, err := m.cache.RefreshExpiringSoon(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": count})
}

func (m *Manager) Cleanup(c *gin.Context) {
	count, err := m.cache.CleanupExpired(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": count})
}

func (m *Manager) Stats(c *gin.Context) {
	stats, err := m.cache.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cache stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (m *Manager) Clear(c *gin.Context) {
	if err := m.cache.ClearAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear cache"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
