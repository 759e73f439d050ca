// Package selector ranks scored activity into reportable moments: the threat
// selector clusters a whole video's scored frames into peak-ranked episodes,
// and the frame selector condenses one episode into a bounded narrative
// subset for the vision-language model.
package selector

import (
	"sort"
	"time"
)

// ScoredFrame is one already-scored frame of a video, as produced by running
// the threat scorer over each frame's detections.
type ScoredFrame struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Labels    []string  `json:"labels,omitempty"`
	ImageRef  string    `json:"image_ref,omitempty"`
}

type ThreatConfig struct {
	// GapThreshold starts a new candidate episode when consecutive frames are
	// further apart than this.
	GapThreshold time.Duration

	// MinScore and MinDuration drop weak candidates before ranking.
	MinScore    float64
	MinDuration time.Duration

	TopN int

	// Diversity rejects a candidate whose time range falls within
	// DiversityWindow of an already-accepted, higher-ranked episode, so two
	// slices of the same real event never both make the list.
	Diversity       bool
	DiversityWindow time.Duration
}

func DefaultThreatConfig() ThreatConfig {
	return ThreatConfig{
		GapThreshold:    2 * time.Second,
		MinScore:        20,
		MinDuration:     0,
		TopN:            5,
		Diversity:       true,
		DiversityWindow: 10 * time.Second,
	}
}

func (c ThreatConfig) withDefaults() ThreatConfig {
	def := DefaultThreatConfig()
	if c.GapThreshold <= 0 {
		c.GapThreshold = def.GapThreshold
	}
	if c.TopN <= 0 {
		c.TopN = def.TopN
	}
	if c.DiversityWindow <= 0 {
		c.DiversityWindow = def.DiversityWindow
	}
	return c
}

// ThreatEpisode is one ranked candidate. The keyframe is the peak-scoring
// frame: the ranking identifies the single worst moment, not total volume.
type ThreatEpisode struct {
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Duration   time.Duration `json:"duration"`
	PeakScore  float64       `json:"peak_score"`
	Keyframe   ScoredFrame   `json:"keyframe"`
	FrameCount int           `json:"frame_count"`
}

// TopThreats clusters scored frames into episodes by inter-frame gap, drops
// candidates below the score/duration floors, and returns up to TopN episodes
// sorted by peak score descending. Independent of the live state machine:
// this is the offline "worst moments" pass over a finished video.
func TopThreats(frames []ScoredFrame, cfg ThreatConfig) []ThreatEpisode {
	cfg = cfg.withDefaults()
	if len(frames) == 0 {
		return nil
	}

	sorted := make([]ScoredFrame, len(frames))
	copy(sorted, frames)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var candidates []ThreatEpisode
	open := newCandidate(sorted[0])
	for _, f := range sorted[1:] {
		if f.Timestamp.Sub(open.End) > cfg.GapThreshold {
			candidates = append(candidates, open)
			open = newCandidate(f)
			continue
		}
		open.End = f.Timestamp
		open.FrameCount++
		if f.Score > open.PeakScore {
			open.PeakScore = f.Score
			open.Keyframe = f
		}
	}
	candidates = append(candidates, open)

	ranked := candidates[:0]
	for _, c := range candidates {
		c.Duration = c.End.Sub(c.Start)
		if c.PeakScore < cfg.MinScore || c.Duration < cfg.MinDuration {
			continue
		}
		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].PeakScore != ranked[j].PeakScore {
			return ranked[i].PeakScore > ranked[j].PeakScore
		}
		return ranked[i].Start.Before(ranked[j].Start)
	})

	var selected []ThreatEpisode
	for _, c := range ranked {
		if len(selected) >= cfg.TopN {
			break
		}
		if cfg.Diversity && overlapsAny(c, selected, cfg.DiversityWindow) {
			continue
		}
		selected = append(selected, c)
	}
	return selected
}

func newCandidate(f ScoredFrame) ThreatEpisode {
	return ThreatEpisode{
		Start:      f.Timestamp,
		End:        f.Timestamp,
		PeakScore:  f.Score,
		Keyframe:   f,
		FrameCount: 1,
	}
}

// overlapsAny reports whether the candidate's time range, widened by the
// diversity window, intersects any accepted episode.
func overlapsAny(c ThreatEpisode, accepted []ThreatEpisode, window time.Duration) bool {
	for _, a := range accepted {
		if c.Start.Before(a.End.Add(window)) && a.Start.Before(c.End.Add(window)) {
			return true
		}
	}
	return false
}
