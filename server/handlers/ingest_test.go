package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/securewatch/securewatch/server/episode"
	"github.com/securewatch/securewatch/server/events"
	"github.com/securewatch/securewatch/server/models"
	"github.com/securewatch/securewatch/server/processor"
	"github.com/securewatch/securewatch/server/scoring"
	"github.com/securewatch/securewatch/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router  *gin.Engine
	db      *storage.DB
	machine *episode.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus()
	machine := episode.NewMachine(episode.DefaultConfig(), bus, zap.NewNop())
	pipeline := processor.NewPipeline(processor.DefaultPipelineConfig(),
		processor.LiveSink{Machine: machine}, scoring.NewScorer(scoring.Config{}),
		db, nil, bus, zap.NewNop())
	t.Cleanup(func() { pipeline.Shutdown() })

	h := NewIngestHandler(pipeline, db, machine, zap.NewNop())

	router := gin.New()
	router.POST("/api/v1/detections", h.PostDetection)
	router.POST("/api/v1/detections/batch", h.PostDetectionBatch)
	router.POST("/api/v1/videos", h.PostVideo)
	router.GET("/api/v1/episodes", h.GetEpisodes)
	router.GET("/api/v1/episodes/:id", h.GetEpisode)
	router.GET("/api/v1/threats/top", h.GetTopThreats)
	router.POST("/api/v1/detectors/:id/heartbeat", h.Heartbeat)
	router.GET("/api/v1/stats", h.GetStats)

	return &fixture{router: router, db: db, machine: machine}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func detBody(cam string, ts time.Time, label string, conf float64) map[string]any {
	return map[string]any{
		"camera_id":  cam,
		"timestamp":  ts.Format(time.RFC3339Nano),
		"label":      label,
		"confidence": conf,
	}
}

func TestPostDetectionAccepted(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/detections", detBody("cam1", t0, "person", 0.8))

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["accepted"])

	status, open := f.machine.Status("cam1")
	require.True(t, open, "detection opened a live session")
	assert.Equal(t, 1, status.FrameCount)
}

func TestPostDetectionFilteredClass(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/detections", detBody("cam1", t0, "cat", 0.8))

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["accepted"])

	_, open := f.machine.Status("cam1")
	assert.False(t, open)
}

func TestPostDetectionMalformed(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/detections", map[string]any{"label": "person"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostDetectionBatchCounts(t *testing.T) {
	f := newFixture(t)

	body := []map[string]any{
		detBody("cam1", t0, "person", 0.8),
		detBody("cam1", t0.Add(time.Second), "car", 0.7),
		detBody("cam1", t0.Add(2*time.Second), "cat", 0.9),
		{"label": "person"},
	}
	w := f.do(t, http.MethodPost, "/api/v1/detections/batch", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["accepted"])
	assert.Equal(t, 1, resp["filtered"])
	assert.Equal(t, 1, resp["malformed"])
}

func TestPostVideoReturnsEpisodes(t *testing.T) {
	f := newFixture(t)

	var dets []map[string]any
	for i := 0; i < 4; i++ {
		dets = append(dets, detBody("cam1", t0.Add(time.Duration(i)*time.Second), "person", 0.8))
	}
	for i := 0; i < 3; i++ {
		dets = append(dets, detBody("cam1", t0.Add(20*time.Second+time.Duration(i)*time.Second), "knife", 0.9))
	}

	w := f.do(t, http.MethodPost, "/api/v1/videos", map[string]any{"detections": dets})

	require.Equal(t, http.StatusOK, w.Code)
	var result processor.VideoResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.Episodes, 2)
	assert.NotEmpty(t, result.TopMoments)
}

func seedEpisode(t *testing.T, db *storage.DB, cam string, start time.Time, score float64) string {
	t.Helper()
	end := start.Add(5 * time.Second)
	ep := &models.Episode{
		ID:           models.NewEpisodeID(cam, start),
		CameraID:     cam,
		StartTime:    start,
		EndTime:      end,
		Duration:     end.Sub(start),
		FrameCount:   2,
		DetectionIDs: []string{fmt.Sprintf("%s-a", cam), fmt.Sprintf("%s-b", cam)},
		Status:       models.EpisodeComplete,
		ThreatScore:  score,
		ThreatLevel:  "medium",
	}
	require.NoError(t, db.SaveEpisode(context.Background(), ep))
	return ep.ID
}

func TestGetEpisodesAndByID(t *testing.T) {
	f := newFixture(t)
	id := seedEpisode(t, f.db, "cam1", t0, 40)
	seedEpisode(t, f.db, "cam2", t0.Add(time.Minute), 60)

	w := f.do(t, http.MethodGet, "/api/v1/episodes?camera_id=cam1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Equal(t, 1, listResp.Count)

	w = f.do(t, http.MethodGet, "/api/v1/episodes/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var record storage.EpisodeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, id, record.Episode.ID)
	assert.Len(t, record.Episode.DetectionIDs, 2)

	w = f.do(t, http.MethodGet, "/api/v1/episodes/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTopThreats(t *testing.T) {
	f := newFixture(t)
	seedEpisode(t, f.db, "cam1", t0, 40)
	highID := seedEpisode(t, f.db, "cam1", t0.Add(time.Minute), 150)

	w := f.do(t, http.MethodGet, "/api/v1/threats/top?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Threats []storage.EpisodeRecord `json:"threats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Threats, 1)
	assert.Equal(t, highID, resp.Threats[0].Episode.ID)
}

func TestHeartbeatAndStats(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/detectors/det-7/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Detectors []detectorStatus `json:"detectors"`
		Pipeline  json.RawMessage  `json:"pipeline"`
		Storage   json.RawMessage  `json:"storage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Detectors, 1)
	assert.Equal(t, "det-7", resp.Detectors[0].DetectorID)
	assert.True(t, resp.Detectors[0].Healthy)
	assert.NotEmpty(t, resp.Pipeline)
	assert.NotEmpty(t, resp.Storage)
}
