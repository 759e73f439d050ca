package selector

import (
	"fmt"
	"testing"
	"time"

	"github.com/securewatch/securewatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// subjectAt builds a person detection with a normalized bbox centered at
// (cx, cy).
func subjectAt(offset time.Duration, cx, cy, conf float64) models.Detection {
	ts := base.Add(offset)
	return models.Detection{
		ID:         fmt.Sprintf("det-%d", ts.UnixMilli()),
		CameraID:   "cam1",
		Timestamp:  ts,
		Label:      "person",
		Confidence: conf,
		BBox:       models.BBox{X1: cx - 0.05, Y1: cy - 0.05, X2: cx + 0.05, Y2: cy + 0.05},
		HasBBox:    true,
	}
}

func reasonsOf(sel Selection) map[string]int {
	counts := make(map[string]int)
	for _, f := range sel.Frames {
		counts[f.Reason]++
	}
	return counts
}

func TestBudgetNeverExceeded(t *testing.T) {
	var frames []models.Detection
	for i := 0; i < 40; i++ {
		frames = append(frames, subjectAt(time.Duration(i)*500*time.Millisecond, 0.5, 0.5, 0.8))
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	assert.Len(t, sel.Frames, 8)
}

func TestEntryAndExitAlwaysIncluded(t *testing.T) {
	var frames []models.Detection
	for i := 0; i < 10; i++ {
		frames = append(frames, subjectAt(time.Duration(i)*time.Second, 0.5, 0.5, 0.8))
	}

	cfg := DefaultFrameConfig()
	cfg.Budget = 2
	sel := SelectFrames(frames, cfg)

	require.Len(t, sel.Frames, 2)
	assert.Equal(t, "entry", sel.Frames[0].Reason)
	assert.Equal(t, frames[0].ID, sel.Frames[0].Detection.ID)
	assert.Equal(t, "exit", sel.Frames[1].Reason)
	assert.Equal(t, frames[9].ID, sel.Frames[1].Detection.ID)
}

func TestSingleFrameEpisode(t *testing.T) {
	sel := SelectFrames([]models.Detection{subjectAt(0, 0.5, 0.8, 0.9)}, DefaultFrameConfig())

	require.Len(t, sel.Frames, 1)
	assert.Equal(t, "entry", sel.Frames[0].Reason)
	assert.Equal(t, "1 of 1", sel.Frames[0].Sequence)
}

func TestZoneTransitionFramesSelected(t *testing.T) {
	frames := []models.Detection{
		subjectAt(0, 0.5, 0.8, 0.7),             // near-camera entry band
		subjectAt(time.Second, 0.5, 0.5, 0.7),   // center
		subjectAt(2*time.Second, 0.2, 0.5, 0.7), // left
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	require.Len(t, sel.Frames, 3)
	assert.Equal(t, "zone-transition", sel.Frames[1].Reason)
	assert.Equal(t, ZoneCenter, sel.Frames[1].Zone)

	assert.Contains(t, sel.Narrative, "Subject entered in the near-camera entry area.")
	assert.Contains(t, sel.Narrative, "near-camera entry area, then center of frame, then left side of frame")
	assert.Contains(t, sel.Narrative, "Subject exited via the left side of frame.")
}

func TestDwellProducesLoiteringSentence(t *testing.T) {
	var frames []models.Detection
	for i := 0; i <= 4; i++ {
		frames = append(frames, subjectAt(time.Duration(i)*time.Second, 0.5, 0.5, 0.8))
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	assert.Contains(t, sel.Narrative, "Remained stationary in the center of frame.")
	assert.Contains(t, sel.Narrative, "Lingered in the center of frame for 4.0 seconds.")
	assert.Contains(t, sel.Narrative, "Total duration: 4.0 seconds.")
}

func TestDirectionReversalFlaggedAsAnomaly(t *testing.T) {
	frames := []models.Detection{
		subjectAt(0, 0.40, 0.5, 0.7),
		subjectAt(time.Second, 0.55, 0.5, 0.9), // peak confidence
		subjectAt(2*time.Second, 0.40, 0.5, 0.7),
		subjectAt(3*time.Second, 0.41, 0.5, 0.7),
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	counts := reasonsOf(sel)
	assert.Equal(t, 1, counts["anomaly"])
	assert.Contains(t, sel.Narrative, "Reversed direction once.")
}

func TestJitterIsNotAnomalous(t *testing.T) {
	frames := []models.Detection{
		subjectAt(0, 0.40, 0.5, 0.7),
		subjectAt(time.Second, 0.42, 0.5, 0.7),
		subjectAt(2*time.Second, 0.40, 0.5, 0.7),
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	assert.NotContains(t, sel.Narrative, "Reversed direction")
}

func TestFillSpendsLeftoverBudgetEvenly(t *testing.T) {
	var frames []models.Detection
	for i := 0; i < 20; i++ {
		frames = append(frames, subjectAt(time.Duration(i)*time.Second, 0.5, 0.5, 0.8))
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	require.Len(t, sel.Frames, 8)
	counts := reasonsOf(sel)
	assert.Equal(t, 1, counts["entry"])
	assert.Equal(t, 1, counts["exit"])
	assert.Greater(t, counts["fill"], 0)

	// Chronological, no duplicates.
	for i := 1; i < len(sel.Frames); i++ {
		assert.True(t, sel.Frames[i].Detection.Timestamp.After(sel.Frames[i-1].Detection.Timestamp))
	}
}

func TestEnrichmentFields(t *testing.T) {
	frames := []models.Detection{
		subjectAt(0, 0.3, 0.8, 0.7),
		subjectAt(4*time.Second, 0.5, 0.5, 0.9),
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	require.Len(t, sel.Frames, 2)
	first, second := sel.Frames[0], sel.Frames[1]

	assert.Equal(t, time.Duration(0), first.RelativeTime)
	assert.Equal(t, "1 of 2", first.Sequence)
	assert.Equal(t, ZoneEntry, first.Zone)
	assert.Equal(t, "near-camera entry area", first.ZoneLabel)

	assert.Equal(t, 4*time.Second, second.RelativeTime)
	assert.Equal(t, "2 of 2", second.Sequence)
	assert.InDelta(t, 0.2, second.Movement.X, 1e-9, "movement is relative to the previous selected frame")
	assert.InDelta(t, -0.3, second.Movement.Y, 1e-9)
}

func TestMissingBBoxesDegradeGracefully(t *testing.T) {
	frames := []models.Detection{
		{ID: "a", CameraID: "cam1", Timestamp: base, Label: "person", Confidence: 0.8},
		{ID: "b", CameraID: "cam1", Timestamp: base.Add(2 * time.Second), Label: "person", Confidence: 0.7},
	}

	sel := SelectFrames(frames, DefaultFrameConfig())

	require.Len(t, sel.Frames, 2)
	assert.Equal(t, ZoneUnknown, sel.Frames[0].Zone)
	assert.Contains(t, sel.Narrative, "Total duration: 2.0 seconds.")
}

func TestEmptyEpisode(t *testing.T) {
	sel := SelectFrames(nil, DefaultFrameConfig())
	assert.Empty(t, sel.Frames)
	assert.Empty(t, sel.Narrative)
}
