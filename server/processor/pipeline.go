// Package processor wires the detection pipeline together: ingestion-boundary
// normalization, routing to the per-camera episode machine, and the async
// post-finalize analysis path (scoring, persistence, frame selection, model
// call).
package processor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/securewatch/securewatch/server/episode"
	"github.com/securewatch/securewatch/server/events"
	"github.com/securewatch/securewatch/server/models"
	"github.com/securewatch/securewatch/server/scoring"
	"github.com/securewatch/securewatch/server/selector"
	"github.com/securewatch/securewatch/server/storage"
	"go.uber.org/zap"
)

// DetectionSink consumes normalized detections. Both episode machines fit
// behind it.
type DetectionSink interface {
	ProcessDetection(ctx context.Context, det models.Detection)
}

// LiveSink adapts the in-process state machine to the sink interface.
type LiveSink struct {
	Machine *episode.Machine
}

func (s LiveSink) ProcessDetection(_ context.Context, det models.Detection) {
	s.Machine.ProcessDetection(det)
}

// Analyzer is the external model adapter seam.
type Analyzer interface {
	AnalyzeEpisode(ctx context.Context, ep *models.Episode, sel selector.Selection) (*models.Analysis, error)
}

type PipelineConfig struct {
	// AllowedClasses filters detections at the ingestion boundary. Empty
	// means every class passes.
	AllowedClasses []string

	QueueSize       int
	Workers         int
	AnalysisTimeout time.Duration

	Aggregator  episode.AggregatorConfig
	FrameSelect selector.FrameConfig
	Threats     selector.ThreatConfig
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		AllowedClasses: []string{
			"person", "car", "truck", "bus", "motorcycle", "bicycle",
			"knife", "gun", "pistol", "rifle", "backpack", "handbag", "suitcase",
		},
		QueueSize:       100,
		Workers:         4,
		AnalysisTimeout: 60 * time.Second,
		Aggregator:      episode.DefaultAggregatorConfig(),
		FrameSelect:     selector.DefaultFrameConfig(),
		Threats:         selector.DefaultThreatConfig(),
	}
}

type PipelineStats struct {
	StartTime           time.Time `json:"start_time"`
	DetectionsIngested  int64     `json:"detections_ingested"`
	DetectionsFiltered  int64     `json:"detections_filtered"`
	MalformedDetections int64     `json:"malformed_detections"`
	EpisodesFinalized   int64     `json:"episodes_finalized"`
	EpisodesAnalyzed    int64     `json:"episodes_analyzed"`
	AnalysisFailures    int64     `json:"analysis_failures"`
	AnalysisDropped     int64     `json:"analysis_dropped"`
	QueueSize           int       `json:"queue_size"`
}

type Pipeline struct {
	config   PipelineConfig
	sink     DetectionSink
	scorer   *scoring.Scorer
	db       *storage.DB
	analyzer Analyzer
	bus      *events.Bus
	logger   *zap.Logger
	queue    *AnalysisQueue

	allowed map[string]struct{}

	startTime time.Time
	ingested  atomic.Int64
	filtered  atomic.Int64
	malformed atomic.Int64
	finalized atomic.Int64
	analyzed  atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64

	unsubscribe func()
	wg          sync.WaitGroup
}

// NewPipeline builds the pipeline and subscribes it to episode finalization
// events. The analyzer may be nil: episodes then persist without a model
// verdict.
func NewPipeline(config PipelineConfig, sink DetectionSink, scorer *scoring.Scorer,
	db *storage.DB, analyzer Analyzer, bus *events.Bus, logger *zap.Logger) *Pipeline {

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultPipelineConfig().QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultPipelineConfig().Workers
	}
	if config.AnalysisTimeout <= 0 {
		config.AnalysisTimeout = DefaultPipelineConfig().AnalysisTimeout
	}

	p := &Pipeline{
		config:    config,
		sink:      sink,
		scorer:    scorer,
		db:        db,
		analyzer:  analyzer,
		bus:       bus,
		logger:    logger,
		startTime: time.Now(),
	}

	if len(config.AllowedClasses) > 0 {
		p.allowed = make(map[string]struct{}, len(config.AllowedClasses))
		for _, class := range config.AllowedClasses {
			p.allowed[class] = struct{}{}
		}
	}

	p.queue = NewAnalysisQueue(config.QueueSize, config.Workers, p.analyze, logger)

	ch, unsubscribe := bus.Subscribe(64)
	p.unsubscribe = unsubscribe
	p.wg.Add(1)
	go p.consumeEvents(ch)

	return p
}

// IngestDetection normalizes one raw detection and routes it to the episode
// machine. Returns the canonical detection and whether it was accepted;
// a false with nil error means the class allow-list filtered it.
func (p *Pipeline) IngestDetection(ctx context.Context, raw *models.RawDetection) (models.Detection, bool, error) {
	det, err := raw.Normalize()
	if err != nil {
		p.malformed.Add(1)
		return det, false, err
	}

	if !p.classAllowed(det.Label) {
		p.filtered.Add(1)
		p.logger.Debug("Detection filtered by class allow-list",
			zap.String("camera_id", det.CameraID),
			zap.String("label", det.Label))
		return det, false, nil
	}

	p.ingested.Add(1)
	p.sink.ProcessDetection(ctx, det)
	return det, true, nil
}

func (p *Pipeline) classAllowed(label string) bool {
	if p.allowed == nil || label == "" {
		return true
	}
	_, ok := p.allowed[label]
	return ok
}

func (p *Pipeline) consumeEvents(ch <-chan events.Event) {
	defer p.wg.Done()

	for ev := range ch {
		if ev.Type != events.EpisodeReady || ev.Episode == nil {
			continue
		}
		p.onEpisodeReady(ev.Episode, ev.Detections)
	}
}

// onEpisodeReady scores and persists a finalized episode, then hands it to
// the analysis queue. Persistence failures are logged and non-fatal: the
// event already fired and an episode without a DB row is a degraded state,
// not a crash.
func (p *Pipeline) onEpisodeReady(ep *models.Episode, detections []models.Detection) {
	p.finalized.Add(1)
	p.scoreEpisode(ep, detections)

	if p.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.db.SaveEpisode(ctx, ep); err != nil {
			p.logger.Error("Failed to persist episode",
				zap.String("episode_id", ep.ID), zap.Error(err))
		}
		cancel()
	}

	if p.analyzer == nil {
		return
	}
	job := &AnalysisJob{Episode: ep, Detections: detections, Enqueued: time.Now()}
	if !p.queue.Enqueue(job) {
		p.dropped.Add(1)
		p.logger.Warn("Analysis queue full, dropping episode",
			zap.String("episode_id", ep.ID))
	}
}

// scoreEpisode assigns the episode's threat score: the peak per-frame score
// across its detections, frames grouped by frame number (or timestamp when
// the detector doesn't number frames).
func (p *Pipeline) scoreEpisode(ep *models.Episode, detections []models.Detection) {
	if len(detections) == 0 {
		return
	}

	frames := groupFrames(detections)

	var peak float64
	var peakBreakdown models.ScoreBreakdown
	for _, frame := range frames {
		score, breakdown := p.scorer.FrameScore(frame)
		if score > peak || peakBreakdown.PerDetection == nil {
			peak = score
			peakBreakdown = breakdown
		}
	}

	ep.ThreatScore = peak
	ep.ThreatLevel = p.scorer.ThreatLevel(peak)
	ep.Breakdown = &peakBreakdown
}

func groupFrames(detections []models.Detection) [][]models.Detection {
	keys := make([]int64, 0)
	byFrame := make(map[int64][]models.Detection)
	for _, det := range detections {
		key := int64(det.FrameNumber)
		if key == 0 {
			key = det.Timestamp.UnixMilli()
		}
		if _, seen := byFrame[key]; !seen {
			keys = append(keys, key)
		}
		byFrame[key] = append(byFrame[key], det)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	frames := make([][]models.Detection, 0, len(keys))
	for _, key := range keys {
		frames = append(frames, byFrame[key])
	}
	return frames
}

// analyze runs on a queue worker: frame selection, the model call, and the
// verdict write-back. A model failure leaves the episode complete without
// an analysis; the failure is surfaced in stats, never retried here.
func (p *Pipeline) analyze(job *AnalysisJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.AnalysisTimeout)
	defer cancel()

	sel := selector.SelectFrames(job.Detections, p.config.FrameSelect)

	analysis, err := p.analyzer.AnalyzeEpisode(ctx, job.Episode, sel)
	if err != nil {
		p.failures.Add(1)
		p.logger.Error("Episode analysis failed",
			zap.String("episode_id", job.Episode.ID), zap.Error(err))
		return
	}

	if p.db != nil {
		if err := p.db.MarkAnalyzed(ctx, *analysis); err != nil {
			p.logger.Error("Failed to record analysis",
				zap.String("episode_id", job.Episode.ID), zap.Error(err))
		}
	}

	p.analyzed.Add(1)
	p.bus.Publish(events.Event{
		Type:      events.EpisodeAnalyzed,
		EpisodeID: job.Episode.ID,
		CameraID:  job.Episode.CameraID,
		Timestamp: analysis.ReceivedAt,
		Episode:   job.Episode,
		Analysis:  analysis,
	})
}

// VideoResult is the batch-mode output for one whole video.
type VideoResult struct {
	Episodes   []*models.Episode        `json:"episodes"`
	TopMoments []selector.ThreatEpisode `json:"top_moments"`
	Ingested   int                      `json:"ingested"`
	Filtered   int                      `json:"filtered"`
	Malformed  int                      `json:"malformed"`
}

// ProcessVideo runs a full pre-fetched detection list through the batch
// aggregator: normalize, cluster, score, persist, and rank the top moments.
func (p *Pipeline) ProcessVideo(ctx context.Context, raws []models.RawDetection) (*VideoResult, error) {
	result := &VideoResult{}

	var detections []models.Detection
	for i := range raws {
		det, err := raws[i].Normalize()
		if err != nil {
			result.Malformed++
			p.malformed.Add(1)
			continue
		}
		if !p.classAllowed(det.Label) {
			result.Filtered++
			p.filtered.Add(1)
			continue
		}
		detections = append(detections, det)
	}
	result.Ingested = len(detections)

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Timestamp.Before(detections[j].Timestamp)
	})

	episodes := episode.Aggregate(detections, p.config.Aggregator, p.logger)
	for _, ep := range episodes {
		byID := detectionsFor(ep, detections)
		p.scoreEpisode(ep, byID)

		if p.db != nil {
			if err := p.db.SaveEpisode(ctx, ep); err != nil {
				p.logger.Error("Failed to persist batch episode",
					zap.String("episode_id", ep.ID), zap.Error(err))
			}
		}
	}
	result.Episodes = episodes

	result.TopMoments = p.topMoments(detections)
	return result, nil
}

// topMoments scores every frame of the video and runs the threat selector
// over them.
func (p *Pipeline) topMoments(detections []models.Detection) []selector.ThreatEpisode {
	var scored []selector.ScoredFrame
	for _, frame := range groupFrames(detections) {
		score, _ := p.scorer.FrameScore(frame)
		labels := make([]string, 0, len(frame))
		for _, det := range frame {
			labels = append(labels, det.Label)
		}
		scored = append(scored, selector.ScoredFrame{
			Timestamp: frame[0].Timestamp,
			Score:     score,
			Labels:    labels,
			ImageRef:  frame[0].ImageRef,
		})
	}
	return selector.TopThreats(scored, p.config.Threats)
}

func detectionsFor(ep *models.Episode, all []models.Detection) []models.Detection {
	ids := make(map[string]struct{}, len(ep.DetectionIDs))
	for _, id := range ep.DetectionIDs {
		ids[id] = struct{}{}
	}
	var out []models.Detection
	for _, det := range all {
		if _, ok := ids[det.ID]; ok {
			out = append(out, det)
		}
	}
	return out
}

func (p *Pipeline) GetStats() PipelineStats {
	return PipelineStats{
		StartTime:           p.startTime,
		DetectionsIngested:  p.ingested.Load(),
		DetectionsFiltered:  p.filtered.Load(),
		MalformedDetections: p.malformed.Load(),
		EpisodesFinalized:   p.finalized.Load(),
		EpisodesAnalyzed:    p.analyzed.Load(),
		AnalysisFailures:    p.failures.Load(),
		AnalysisDropped:     p.dropped.Load(),
		QueueSize:           p.queue.Size(),
	}
}

func (p *Pipeline) QueueStats() QueueStats {
	return p.queue.GetQueueStats()
}

// Shutdown detaches from the event bus and drains the analysis workers.
func (p *Pipeline) Shutdown() error {
	p.logger.Info("Shutting down pipeline...")

	p.unsubscribe()
	p.wg.Wait()

	if err := p.queue.Shutdown(30 * time.Second); err != nil {
		p.logger.Error("Failed to shut down analysis queue", zap.Error(err))
		return err
	}

	p.logger.Info("Pipeline shutdown complete")
	return nil
}
