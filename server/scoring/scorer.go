package scoring

import (
	"math"
	"strings"

	"github.com/securewatch/securewatch/server/models"
)

const (
	// unknownClassWeight applies to labels absent from the weight table.
	// Unknown objects are deliberately not scored as harmless.
	unknownClassWeight = 15.0

	defaultMinConfidence = 0.4
)

// LevelThresholds maps scores to threat levels. These are deployment
// configuration, not business constants.
type LevelThresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
	Low      float64 `json:"low"`
}

func DefaultLevelThresholds() LevelThresholds {
	return LevelThresholds{Critical: 200, High: 100, Medium: 50, Low: 20}
}

type Config struct {
	// ClassWeights overrides and extends the default weight table. Keys are
	// matched after normalization (lowercase, separators stripped).
	ClassWeights  map[string]float64
	MinConfidence float64
	Levels        LevelThresholds
	Rules         []Rule
}

func defaultClassWeights() map[string]float64 {
	return map[string]float64{
		"person":     30,
		"car":        20,
		"truck":      25,
		"bus":        25,
		"motorcycle": 20,
		"bicycle":    15,
		"knife":      80,
		"gun":        100,
		"pistol":     100,
		"rifle":      100,
		"weapon":     90,
		"bat":        60,
		"crowbar":    60,
		"mask":       50,
		"balaclava":  50,
		"backpack":   10,
		"handbag":    10,
		"suitcase":   10,
		"dog":        10,
		"cat":        5,
	}
}

// Scorer is a pure, stateless frame scorer. Safe for concurrent use.
type Scorer struct {
	weights       map[string]float64
	minConfidence float64
	levels        LevelThresholds
	rules         []Rule
}

func NewScorer(cfg Config) *Scorer {
	weights := defaultClassWeights()
	for label, w := range cfg.ClassWeights {
		weights[normalizeLabel(label)] = w
	}

	minConf := cfg.MinConfidence
	if minConf <= 0 {
		minConf = defaultMinConfidence
	}

	levels := cfg.Levels
	if levels == (LevelThresholds{}) {
		levels = DefaultLevelThresholds()
	}

	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	return &Scorer{
		weights:       weights,
		minConfidence: minConf,
		levels:        levels,
		rules:         rules,
	}
}

func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	replacer := strings.NewReplacer("_", "", "-", "", " ", "")
	return replacer.Replace(label)
}

// ClassWeight resolves a label to its weight: exact normalized match first,
// then substring match in either direction, then the unknown-class default.
func (s *Scorer) ClassWeight(label string) float64 {
	norm := normalizeLabel(label)
	if norm == "" {
		return unknownClassWeight
	}

	if w, ok := s.weights[norm]; ok {
		return w
	}

	for key, w := range s.weights {
		if strings.Contains(norm, key) || strings.Contains(key, norm) {
			return w
		}
	}

	return unknownClassWeight
}

// ScoreDetection returns 0 below the confidence threshold, else
// round(weight * sqrt(confidence)). The square root keeps marginal
// confidence gains from inflating scores linearly.
func (s *Scorer) ScoreDetection(det models.Detection) float64 {
	if det.Confidence < s.minConfidence {
		return 0
	}
	return math.Round(s.ClassWeight(det.Label) * math.Sqrt(det.Confidence))
}

// FrameScore sums per-detection scores and adds interaction bonuses.
func (s *Scorer) FrameScore(detections []models.Detection) (float64, models.ScoreBreakdown) {
	breakdown := models.ScoreBreakdown{}

	for _, det := range detections {
		score := s.ScoreDetection(det)
		breakdown.BaseScore += score
		breakdown.PerDetection = append(breakdown.PerDetection, models.DetectionScore{
			Label:      det.Label,
			Confidence: det.Confidence,
			Weight:     s.ClassWeight(det.Label),
			Score:      score,
		})
	}

	present := s.presentLabels(detections)
	for _, rule := range s.rules {
		if rule.matches(present) {
			breakdown.InteractionBonus += rule.Bonus
			breakdown.TriggeredRules = append(breakdown.TriggeredRules, rule.Name)
		}
	}

	return breakdown.Total(), breakdown
}

// presentLabels counts labels that clear the confidence threshold; rules
// never fire on sub-threshold detections.
func (s *Scorer) presentLabels(detections []models.Detection) map[string]int {
	present := make(map[string]int)
	for _, det := range detections {
		if det.Confidence < s.minConfidence {
			continue
		}
		norm := normalizeLabel(det.Label)
		if norm == "" {
			continue
		}
		present[norm]++
	}
	return present
}

func (s *Scorer) ThreatLevel(score float64) string {
	switch {
	case score >= s.levels.Critical:
		return "critical"
	case score >= s.levels.High:
		return "high"
	case score >= s.levels.Medium:
		return "medium"
	case score >= s.levels.Low:
		return "low"
	default:
		return "minimal"
	}
}
