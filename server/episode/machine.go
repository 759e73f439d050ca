package episode

import (
	"sync"
	"time"

	"github.com/securewatch/securewatch/server/events"
	"github.com/securewatch/securewatch/server/models"
	"go.uber.org/zap"
)

type SessionState string

const (
	StateActive     SessionState = "active"     // detections arriving
	StateCooldown   SessionState = "cooldown"   // quiet, not yet closed
	StateFinalizing SessionState = "finalizing" // terminal
)

type Config struct {
	// Cooldown is how long a session may go without detections before it is
	// flagged COOLDOWN; half of it again before finalize.
	Cooldown time.Duration

	// MinDuration filters ghost events: sessions shorter than this are
	// discarded, never emitted.
	MinDuration time.Duration

	// MaxFramesPerEpisode caps the in-memory frame list per session.
	MaxFramesPerEpisode int

	// MaxIdleTime and MaxEpisodeDuration are the zombie guard thresholds,
	// checked on every incoming detection independently of the timers.
	MaxIdleTime        time.Duration
	MaxEpisodeDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		Cooldown:            3 * time.Second,
		MinDuration:         1500 * time.Millisecond,
		MaxFramesPerEpisode: 100,
		MaxIdleTime:         5 * time.Second,
		MaxEpisodeDuration:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.MinDuration <= 0 {
		c.MinDuration = def.MinDuration
	}
	if c.MaxFramesPerEpisode <= 0 {
		c.MaxFramesPerEpisode = def.MaxFramesPerEpisode
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = def.MaxIdleTime
	}
	if c.MaxEpisodeDuration <= 0 {
		c.MaxEpisodeDuration = def.MaxEpisodeDuration
	}
	return c
}

// SessionStatus is a point-in-time snapshot for status queries. The
// COOLDOWN state is observable here; the crash-resilient variant has no
// equivalent state by design.
type SessionStatus struct {
	EpisodeID  string       `json:"episode_id"`
	CameraID   string       `json:"camera_id"`
	State      SessionState `json:"state"`
	StartTime  time.Time    `json:"start_time"`
	LastSeen   time.Time    `json:"last_seen"`
	FrameCount int          `json:"frame_count"`
}

type session struct {
	episodeID  string
	cameraID   string
	state      SessionState
	startTime  time.Time
	lastSeen   time.Time
	detections []models.Detection
	best       models.Detection
	hasBest    bool
	counts     map[string]int

	timer *time.Timer
	// gen invalidates in-flight timer callbacks when activity resets the
	// timer or the session is replaced.
	gen uint64
}

// Machine is the live per-camera episode state machine. Each camera owns one
// slot with its own lock, so cameras process in parallel while detection
// arrivals and timer fires on the same camera stay mutually exclusive.
type Machine struct {
	cfg    Config
	logger *zap.Logger
	bus    *events.Bus

	mu    sync.RWMutex
	slots map[string]*slot
}

type slot struct {
	mu sync.Mutex
	s  *session
}

func NewMachine(cfg Config, bus *events.Bus, logger *zap.Logger) *Machine {
	return &Machine{
		cfg:    cfg.withDefaults(),
		logger: logger,
		bus:    bus,
		slots:  make(map[string]*slot),
	}
}

func (m *Machine) slot(cameraID string) *slot {
	m.mu.RLock()
	sl, ok := m.slots[cameraID]
	m.mu.RUnlock()
	if ok {
		return sl
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sl, ok = m.slots[cameraID]; ok {
		return sl
	}
	sl = &slot{}
	m.slots[cameraID] = sl
	return sl
}

// ProcessDetection consumes one detection for its camera. Session
// bookkeeping uses the detection's own timestamp so replayed streams behave
// like live ones; only the cooldown timers run on the wall clock.
func (m *Machine) ProcessDetection(det models.Detection) {
	sl := m.slot(det.CameraID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	// Zombie guard: the sole backstop against a lost timer callback. Checked
	// before normal processing, never skipped.
	if s := sl.s; s != nil {
		idle := det.Timestamp.Sub(s.lastSeen)
		age := det.Timestamp.Sub(s.startTime)
		if idle > m.cfg.MaxIdleTime || age > m.cfg.MaxEpisodeDuration {
			m.logger.Warn("Force-finalizing stuck session",
				zap.String("camera_id", s.cameraID),
				zap.String("episode_id", s.episodeID),
				zap.Duration("idle", idle),
				zap.Duration("age", age))
			m.finalizeLocked(sl, "zombie")
		}
	}

	if sl.s == nil {
		m.openLocked(sl, det)
		return
	}
	m.extendLocked(sl, det)
}

func (m *Machine) openLocked(sl *slot, det models.Detection) {
	s := &session{
		episodeID: models.NewEpisodeID(det.CameraID, det.Timestamp),
		cameraID:  det.CameraID,
		state:     StateActive,
		startTime: det.Timestamp,
		counts:    make(map[string]int),
	}
	sl.s = s
	m.appendLocked(s, det)
	m.scheduleLocked(sl, m.cfg.Cooldown)

	m.logger.Info("Episode started",
		zap.String("camera_id", s.cameraID),
		zap.String("episode_id", s.episodeID))

	m.bus.Publish(events.Event{
		Type:      events.EpisodeStart,
		EpisodeID: s.episodeID,
		CameraID:  s.cameraID,
		Timestamp: s.startTime,
	})
}

func (m *Machine) extendLocked(sl *slot, det models.Detection) {
	s := sl.s
	m.appendLocked(s, det)
	s.state = StateActive
	m.scheduleLocked(sl, m.cfg.Cooldown)
}

func (m *Machine) appendLocked(s *session, det models.Detection) {
	s.lastSeen = det.Timestamp
	if len(s.detections) >= m.cfg.MaxFramesPerEpisode {
		return
	}
	s.detections = append(s.detections, det)
	if det.Label != "" {
		s.counts[det.Label]++
	}
	// Strictly higher confidence replaces the best frame.
	if !s.hasBest || det.Confidence > s.best.Confidence {
		s.best = det
		s.hasBest = true
	}
}

func (m *Machine) scheduleLocked(sl *slot, d time.Duration) {
	s := sl.s
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() {
		m.onTimer(sl, gen)
	})
}

func (m *Machine) onTimer(sl *slot, gen uint64) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	s := sl.s
	if s == nil || s.gen != gen {
		// Activity arrived (or the session was replaced) after this timer
		// was armed. Stale fire, ignore.
		return
	}

	switch s.state {
	case StateActive:
		s.state = StateCooldown
		m.scheduleLocked(sl, m.cfg.Cooldown/2)
	case StateCooldown:
		m.finalizeLocked(sl, "cooldown")
	}
}

// finalizeLocked closes the slot's session exactly once: ghost sessions are
// discarded, everything else is emitted as a completed episode.
func (m *Machine) finalizeLocked(sl *slot, reason string) {
	s := sl.s
	if s == nil {
		return
	}
	s.state = StateFinalizing
	if s.timer != nil {
		s.timer.Stop()
	}
	sl.s = nil

	duration := s.lastSeen.Sub(s.startTime)
	if duration < m.cfg.MinDuration {
		m.logger.Debug("Discarding ghost episode",
			zap.String("camera_id", s.cameraID),
			zap.String("episode_id", s.episodeID),
			zap.Duration("duration", duration))
		return
	}

	var best *models.Detection
	if s.hasBest {
		b := s.best
		best = &b
	}
	ep := buildEpisode(s.cameraID, s.startTime, s.lastSeen, s.detections, best, s.counts)

	m.logger.Info("Episode finalized",
		zap.String("camera_id", ep.CameraID),
		zap.String("episode_id", ep.ID),
		zap.String("reason", reason),
		zap.Int("frames", ep.FrameCount),
		zap.Duration("duration", ep.Duration))

	m.bus.Publish(events.Event{
		Type:       events.EpisodeReady,
		EpisodeID:  ep.ID,
		CameraID:   ep.CameraID,
		Timestamp:  ep.EndTime,
		Episode:    ep,
		Detections: s.detections,
	})
}

// Status reports the open session for a camera, if any.
func (m *Machine) Status(cameraID string) (SessionStatus, bool) {
	m.mu.RLock()
	sl, ok := m.slots[cameraID]
	m.mu.RUnlock()
	if !ok {
		return SessionStatus{}, false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	s := sl.s
	if s == nil {
		return SessionStatus{}, false
	}
	return SessionStatus{
		EpisodeID:  s.episodeID,
		CameraID:   s.cameraID,
		State:      s.state,
		StartTime:  s.startTime,
		LastSeen:   s.lastSeen,
		FrameCount: len(s.detections),
	}, true
}

// ActiveSessions snapshots every open session across cameras.
func (m *Machine) ActiveSessions() []SessionStatus {
	m.mu.RLock()
	cameras := make([]string, 0, len(m.slots))
	for cam := range m.slots {
		cameras = append(cameras, cam)
	}
	m.mu.RUnlock()

	var out []SessionStatus
	for _, cam := range cameras {
		if status, ok := m.Status(cam); ok {
			out = append(out, status)
		}
	}
	return out
}

// Close force-finalizes every open session. Used on graceful shutdown so
// in-flight activity is emitted rather than lost.
func (m *Machine) Close() {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, sl := range m.slots {
		slots = append(slots, sl)
	}
	m.mu.RUnlock()

	for _, sl := range slots {
		sl.mu.Lock()
		m.finalizeLocked(sl, "shutdown")
		sl.mu.Unlock()
	}
}
