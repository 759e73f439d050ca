package episode

import (
	"time"

	"github.com/securewatch/securewatch/server/models"
	"go.uber.org/zap"
)

type AggregatorConfig struct {
	// GapThreshold closes the open episode when the next detection arrives
	// later than this after the previous one.
	GapThreshold time.Duration

	// MaxFramesPerEpisode splits a single long run of activity into
	// segments, bounding the per-episode payload.
	MaxFramesPerEpisode int
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		GapThreshold:        2 * time.Second,
		MaxFramesPerEpisode: 300,
	}
}

// Aggregator clusters a chronologically sorted detection stream for one
// camera into episodes by inter-detection gap. Offline counterpart of the
// live state machine: no timers, no cooldown, the caller drives it to
// completion and must Flush after the last detection.
type Aggregator struct {
	cfg    AggregatorConfig
	logger *zap.Logger

	open *draft
}

type draft struct {
	cameraID   string
	start      time.Time
	last       time.Time
	detections []models.Detection
	best       models.Detection
	hasBest    bool
	counts     map[string]int
}

func NewAggregator(cfg AggregatorConfig, logger *zap.Logger) *Aggregator {
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = DefaultAggregatorConfig().GapThreshold
	}
	if cfg.MaxFramesPerEpisode <= 0 {
		cfg.MaxFramesPerEpisode = DefaultAggregatorConfig().MaxFramesPerEpisode
	}
	return &Aggregator{cfg: cfg, logger: logger}
}

// Add consumes the next detection. Returns the episode it closed, or nil.
func (a *Aggregator) Add(det models.Detection) *models.Episode {
	if a.open == nil {
		a.openEpisode(det)
		return nil
	}

	var closed *models.Episode
	if det.Timestamp.Sub(a.open.last) > a.cfg.GapThreshold {
		closed = a.closeEpisode()
		a.openEpisode(det)
		return closed
	}

	if len(a.open.detections) >= a.cfg.MaxFramesPerEpisode {
		closed = a.closeEpisode()
		a.openEpisode(det)
		return closed
	}

	a.extend(det)
	return nil
}

// Flush closes the still-open episode, if any. Required after the last
// detection: no gap ever arrives to trigger the close.
func (a *Aggregator) Flush() *models.Episode {
	if a.open == nil {
		return nil
	}
	return a.closeEpisode()
}

func (a *Aggregator) openEpisode(det models.Detection) {
	a.open = &draft{
		cameraID: det.CameraID,
		start:    det.Timestamp,
		counts:   make(map[string]int),
	}
	a.extend(det)
}

func (a *Aggregator) extend(det models.Detection) {
	d := a.open
	d.detections = append(d.detections, det)
	d.last = det.Timestamp
	if det.Label != "" {
		d.counts[det.Label]++
	}
	if !d.hasBest || betterSnapshot(det, d.best) {
		d.best = det
		d.hasBest = true
	}
}

func (a *Aggregator) closeEpisode() *models.Episode {
	d := a.open
	a.open = nil

	var best *models.Detection
	if d.hasBest {
		b := d.best
		best = &b
	}

	ep := buildEpisode(d.cameraID, d.start, d.last, d.detections, best, d.counts)
	if a.logger != nil {
		a.logger.Debug("Closed batch episode",
			zap.String("episode_id", ep.ID),
			zap.String("camera_id", ep.CameraID),
			zap.Int("frames", ep.FrameCount),
			zap.Duration("duration", ep.Duration))
	}
	return ep
}

// Aggregate runs a full pre-sorted detection list through a fresh aggregator
// and returns every episode in order.
func Aggregate(detections []models.Detection, cfg AggregatorConfig, logger *zap.Logger) []*models.Episode {
	agg := NewAggregator(cfg, logger)

	var episodes []*models.Episode
	for _, det := range detections {
		if ep := agg.Add(det); ep != nil {
			episodes = append(episodes, ep)
		}
	}
	if ep := agg.Flush(); ep != nil {
		episodes = append(episodes, ep)
	}
	return episodes
}
