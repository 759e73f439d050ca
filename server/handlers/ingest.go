package handlers

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/securewatch/securewatch/server/episode"
	"github.com/securewatch/securewatch/server/models"
	"github.com/securewatch/securewatch/server/processor"
	"github.com/securewatch/securewatch/server/storage"
	"go.uber.org/zap"
)

// SessionReporter exposes live session state for status queries. Only the
// in-process machine has one; the crash-resilient variant reports through
// the store instead.
type SessionReporter interface {
	ActiveSessions() []episode.SessionStatus
}

// IngestHandler owns the detection ingest endpoints and the episode query
// API.
type IngestHandler struct {
	pipeline *processor.Pipeline
	db       *storage.DB
	sessions SessionReporter
	logger   *zap.Logger

	// Detector heartbeats, keyed by detector id. A detector that has not
	// reported within staleAfter shows as stale in the stats endpoint.
	mu         sync.RWMutex
	heartbeats map[string]time.Time
	staleAfter time.Duration
}

func NewIngestHandler(pipeline *processor.Pipeline, db *storage.DB, sessions SessionReporter, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		pipeline:   pipeline,
		db:         db,
		sessions:   sessions,
		logger:     logger,
		heartbeats: make(map[string]time.Time),
		staleAfter: 30 * time.Second,
	}
}

// PostDetection ingests one detection from a detector.
func (h *IngestHandler) PostDetection(c *gin.Context) {
	var raw models.RawDetection
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	det, accepted, err := h.pipeline.IngestDetection(c.Request.Context(), &raw)
	if err != nil {
		h.logger.Warn("Rejected malformed detection",
			zap.String("camera_id", raw.CameraID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !accepted {
		c.JSON(http.StatusAccepted, gin.H{"accepted": false, "reason": "class filtered"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted":     true,
		"detection_id": det.ID,
	})
}

// PostDetectionBatch ingests a list of detections in one request.
func (h *IngestHandler) PostDetectionBatch(c *gin.Context) {
	var raws []models.RawDetection
	if err := c.ShouldBindJSON(&raws); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	var accepted, filtered, malformed int
	for i := range raws {
		_, ok, err := h.pipeline.IngestDetection(c.Request.Context(), &raws[i])
		switch {
		case err != nil:
			malformed++
		case !ok:
			filtered++
		default:
			accepted++
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted":  accepted,
		"filtered":  filtered,
		"malformed": malformed,
	})
}

type videoRequest struct {
	Detections []models.RawDetection `json:"detections" binding:"required"`
}

// PostVideo runs batch aggregation over a whole video's detection list and
// returns the episodes plus the ranked top moments.
func (h *IngestHandler) PostVideo(c *gin.Context) {
	var request videoRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	result, err := h.pipeline.ProcessVideo(c.Request.Context(), request.Detections)
	if err != nil {
		h.logger.Error("Video processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetEpisodes lists stored episodes, newest first.
func (h *IngestHandler) GetEpisodes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	records, err := h.db.ListEpisodes(c.Request.Context(), c.Query("camera_id"), limit)
	if err != nil {
		h.logger.Error("Episode query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"episodes": records, "count": len(records)})
}

// GetEpisode returns one episode with its linked detection ids.
func (h *IngestHandler) GetEpisode(c *gin.Context) {
	id := c.Param("id")

	record, err := h.db.GetEpisode(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
		return
	}

	ids, err := h.db.DetectionIDs(c.Request.Context(), id)
	if err == nil {
		record.Episode.DetectionIDs = ids
	}

	c.JSON(http.StatusOK, record)
}

// GetTopThreats returns the highest-scoring stored episodes.
func (h *IngestHandler) GetTopThreats(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))

	records, err := h.db.TopThreats(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Threat query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"threats": records, "count": len(records)})
}

// Heartbeat records a detector's liveness report.
func (h *IngestHandler) Heartbeat(c *gin.Context) {
	detectorID := c.Param("id")
	if detectorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing detector id"})
		return
	}

	h.mu.Lock()
	h.heartbeats[detectorID] = time.Now()
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStats reports pipeline, queue, storage, session, and detector health in
// one response.
func (h *IngestHandler) GetStats(c *gin.Context) {
	pipelineStats := h.pipeline.GetStats()

	response := gin.H{
		"pipeline":       pipelineStats,
		"queue":          h.pipeline.QueueStats(),
		"detectors":      h.detectorHealth(),
		"uptime_seconds": time.Since(pipelineStats.StartTime).Seconds(),
	}

	if storageStats, err := h.db.Stats(c.Request.Context()); err == nil {
		response["storage"] = storageStats
	} else {
		h.logger.Error("Storage stats failed", zap.Error(err))
	}

	if h.sessions != nil {
		response["active_sessions"] = h.sessions.ActiveSessions()
	}

	c.JSON(http.StatusOK, response)
}

type detectorStatus struct {
	DetectorID string    `json:"detector_id"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

func (h *IngestHandler) detectorHealth() []detectorStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]detectorStatus, 0, len(h.heartbeats))
	for id, seen := range h.heartbeats {
		out = append(out, detectorStatus{
			DetectorID: id,
			LastSeen:   seen,
			Healthy:    time.Since(seen) < h.staleAfter,
		})
	}
	return out
}
