package scoring

import (
	"testing"

	"github.com/securewatch/securewatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(label string, conf float64) models.Detection {
	return models.Detection{Label: label, Confidence: conf}
}

func TestClassWeightMatching(t *testing.T) {
	s := NewScorer(Config{})

	tests := []struct {
		label  string
		weight float64
	}{
		{"person", 30},
		{"Person", 30},
		{"PERSON", 30},
		{"person_walking", 30}, // substring match
		{"knife", 80},
		{"kitchen-knife", 80},
		{"gun", 100},
		{"zebra", 15}, // unknown labels get the moderate default
		{"", 15},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.weight, s.ClassWeight(tt.label), "label %q", tt.label)
	}
}

func TestClassWeightOverrides(t *testing.T) {
	s := NewScorer(Config{ClassWeights: map[string]float64{"Drone": 70}})
	assert.Equal(t, 70.0, s.ClassWeight("drone"))
	// Defaults survive a partial override.
	assert.Equal(t, 30.0, s.ClassWeight("person"))
}

func TestScoreDetectionConfidenceThreshold(t *testing.T) {
	s := NewScorer(Config{})

	assert.Equal(t, 0.0, s.ScoreDetection(det("person", 0.39)))
	assert.Greater(t, s.ScoreDetection(det("person", 0.4)), 0.0)
}

func TestScoreMonotonicInConfidence(t *testing.T) {
	s := NewScorer(Config{})

	prev := -1.0
	for conf := 0.4; conf <= 1.0; conf += 0.05 {
		score := s.ScoreDetection(det("person", conf))
		assert.GreaterOrEqual(t, score, prev, "confidence %v", conf)
		prev = score
	}
}

func TestScoreMonotonicInWeight(t *testing.T) {
	s := NewScorer(Config{})

	// Same confidence, ascending class weight.
	labels := []string{"cat", "backpack", "bicycle", "car", "person", "knife", "gun"}
	prev := -1.0
	for _, label := range labels {
		score := s.ScoreDetection(det(label, 0.8))
		assert.GreaterOrEqual(t, score, prev, "label %q", label)
		prev = score
	}
}

func TestArmedPersonIsCritical(t *testing.T) {
	s := NewScorer(Config{})

	score, breakdown := s.FrameScore([]models.Detection{
		det("person", 0.9),
		det("knife", 0.85),
	})

	assert.GreaterOrEqual(t, score, 200.0)
	assert.Equal(t, "critical", s.ThreatLevel(score))
	assert.Contains(t, breakdown.TriggeredRules, "armed_person")
	assert.Equal(t, 100.0, breakdown.InteractionBonus)
	require.Len(t, breakdown.PerDetection, 2)
}

func TestRulesAreAdditive(t *testing.T) {
	s := NewScorer(Config{})

	frame := []models.Detection{
		det("person", 0.9), det("person", 0.8), det("person", 0.8), det("person", 0.7),
		det("knife", 0.85),
	}

	_, breakdown := s.FrameScore(frame)
	assert.Contains(t, breakdown.TriggeredRules, "armed_person")
	assert.Contains(t, breakdown.TriggeredRules, "crowd")
	assert.Equal(t, 140.0, breakdown.InteractionBonus)
}

func TestRequiresAbsentBlocksRule(t *testing.T) {
	s := NewScorer(Config{})

	_, withPerson := s.FrameScore([]models.Detection{
		det("backpack", 0.9), det("person", 0.9),
	})
	assert.NotContains(t, withPerson.TriggeredRules, "unattended_object")

	_, alone := s.FrameScore([]models.Detection{det("backpack", 0.9)})
	assert.Contains(t, alone.TriggeredRules, "unattended_object")
}

func TestSubThresholdDetectionsDoNotFireRules(t *testing.T) {
	s := NewScorer(Config{})

	// Knife below the confidence threshold must not arm the person.
	_, breakdown := s.FrameScore([]models.Detection{
		det("person", 0.9), det("knife", 0.2),
	})
	assert.NotContains(t, breakdown.TriggeredRules, "armed_person")
}

func TestThreatLevels(t *testing.T) {
	s := NewScorer(Config{})

	tests := []struct {
		score float64
		level string
	}{
		{250, "critical"},
		{200, "critical"},
		{150, "high"},
		{100, "high"},
		{60, "medium"},
		{30, "low"},
		{10, "minimal"},
		{0, "minimal"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.level, s.ThreatLevel(tt.score), "score %v", tt.score)
	}
}

func TestMalformedDetectionScoresZero(t *testing.T) {
	s := NewScorer(Config{})

	score, _ := s.FrameScore([]models.Detection{{Label: "", Confidence: 0}})
	assert.Equal(t, 0.0, score)
}
