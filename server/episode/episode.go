// Package episode turns per-frame detection events into bounded activity
// episodes. Three variants share the same episode semantics: a batch
// aggregator for whole-video analysis, an in-process timer-driven state
// machine for live streams, and a store-backed crash-resilient machine whose
// sessions survive process restarts.
package episode

import (
	"strings"
	"time"

	"github.com/securewatch/securewatch/server/models"
)

const (
	priorityPerson  = 100
	priorityVehicle = 50
	priorityOther   = 10
)

var (
	personLabels  = map[string]bool{"person": true, "pedestrian": true, "rider": true}
	vehicleLabels = map[string]bool{
		"car": true, "truck": true, "bus": true, "motorcycle": true,
		"bicycle": true, "van": true, "vehicle": true,
	}
)

// classPriority biases keyframe choice toward the most informative subject.
// A 0.6-confidence person beats a 0.99-confidence car.
func classPriority(label string) int {
	label = strings.ToLower(strings.TrimSpace(label))
	if personLabels[label] {
		return priorityPerson
	}
	if vehicleLabels[label] {
		return priorityVehicle
	}
	return priorityOther
}

// betterSnapshot reports whether candidate should replace current as the
// episode keyframe: class priority first, confidence as the tie-break.
func betterSnapshot(candidate, current models.Detection) bool {
	cp, pp := classPriority(candidate.Label), classPriority(current.Label)
	if cp != pp {
		return cp > pp
	}
	return candidate.Confidence > current.Confidence
}

func buildEpisode(cameraID string, start, end time.Time, detections []models.Detection, best *models.Detection, counts map[string]int) *models.Episode {
	ids := make([]string, len(detections))
	for i, det := range detections {
		ids[i] = det.ID
	}

	return &models.Episode{
		ID:                models.NewEpisodeID(cameraID, start),
		CameraID:          cameraID,
		StartTime:         start,
		EndTime:           end,
		Duration:          end.Sub(start),
		FrameCount:        len(ids),
		DetectionIDs:      ids,
		BestSnapshot:      best,
		ObjectClassCounts: counts,
		Status:            models.EpisodeComplete,
	}
}
