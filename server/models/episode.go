package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EpisodeStatus string

const (
	EpisodeActive    EpisodeStatus = "active"
	EpisodeAnalyzing EpisodeStatus = "analyzing"
	EpisodeComplete  EpisodeStatus = "complete"
)

// episodeNamespace seeds deterministic episode ids. Fixed forever: changing
// it would break idempotent reprocessing.
var episodeNamespace = uuid.MustParse("7d5c2f1a-9b4e-4c8d-a1f3-2e6b8d0c4a91")

// NewEpisodeID derives the episode id from (camera_id, start_time) so
// reprocessing the same stream produces the same id and persistence upserts
// instead of duplicating.
func NewEpisodeID(cameraID string, start time.Time) string {
	name := fmt.Sprintf("%s:%d", cameraID, start.UnixMilli())
	return uuid.NewSHA1(episodeNamespace, []byte(name)).String()
}

// Episode is the durable output of the aggregation pipeline. Once status
// reaches complete the record is immutable; corrections become new episodes.
type Episode struct {
	ID                string         `json:"id"`
	CameraID          string         `json:"camera_id"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	Duration          time.Duration  `json:"duration"`
	FrameCount        int            `json:"frame_count"`
	DetectionIDs      []string       `json:"detection_ids"`
	BestSnapshot      *Detection     `json:"best_snapshot,omitempty"`
	ObjectClassCounts map[string]int `json:"object_class_counts"`
	Status            EpisodeStatus  `json:"status"`

	// ThreatScore and Breakdown describe the keyframe at finalize time.
	// Breakdown is ephemeral scoring detail, not part of the durable row.
	ThreatScore float64         `json:"threat_score,omitempty"`
	ThreatLevel string          `json:"threat_level,omitempty"`
	Breakdown   *ScoreBreakdown `json:"breakdown,omitempty"`
}

func (e *Episode) DurationSeconds() float64 {
	return e.Duration.Seconds()
}

// ScoreBreakdown explains how a frame score was assembled.
type ScoreBreakdown struct {
	BaseScore        float64          `json:"base_score"`
	InteractionBonus float64          `json:"interaction_bonus"`
	PerDetection     []DetectionScore `json:"per_detection_scores"`
	TriggeredRules   []string         `json:"triggered_rules"`
}

type DetectionScore struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
	Score      float64 `json:"score"`
}

func (sb *ScoreBreakdown) Total() float64 {
	if sb == nil {
		return 0
	}
	return sb.BaseScore + sb.InteractionBonus
}

// Analysis is the vision-language model's verdict for one episode.
type Analysis struct {
	EpisodeID        string    `json:"episode_id"`
	ThreatAssessment string    `json:"threat_assessment"`
	Analysis         string    `json:"analysis"`
	ModelVersion     string    `json:"model_version,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}
