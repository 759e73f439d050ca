package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/securewatch/securewatch/server/events"
	"github.com/securewatch/securewatch/server/models"
	"github.com/securewatch/securewatch/server/store"
	"go.uber.org/zap"
)

type ResilientConfig struct {
	Config

	// SessionTTL is the dead man's switch: a session is alive exactly as
	// long as its store key has not expired.
	SessionTTL time.Duration

	// JanitorInterval is how often expired sessions are swept.
	JanitorInterval time.Duration

	ActiveSetKey string
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Config:          DefaultConfig(),
		SessionTTL:      5 * time.Second,
		JanitorInterval: 2 * time.Second,
		ActiveSetKey:    "cameras:active",
	}
}

func (c ResilientConfig) withDefaults() ResilientConfig {
	c.Config = c.Config.withDefaults()
	def := DefaultResilientConfig()
	if c.SessionTTL <= 0 {
		c.SessionTTL = def.SessionTTL
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = def.JanitorInterval
	}
	if c.ActiveSetKey == "" {
		c.ActiveSetKey = def.ActiveSetKey
	}
	return c
}

// storedSession is the serialized session payload written to the store. The
// same value is cached process-locally (the shadow) because the store
// deletes on expiry and returns nothing by the time the janitor needs the
// finalization payload.
type storedSession struct {
	EpisodeID  string             `json:"episode_id"`
	CameraID   string             `json:"camera_id"`
	StartMs    int64              `json:"start_ms"`
	LastSeenMs int64              `json:"last_seen_ms"`
	Detections []models.Detection `json:"detections"`
	Best       *models.Detection  `json:"best,omitempty"`
	Counts     map[string]int     `json:"counts"`
}

// ResilientMachine has the same episode semantics as Machine but keeps
// session state in a shared TTL store instead of in-process timers. There is
// no COOLDOWN state here: sessions go straight from active to finalized when
// the key expires. Survives crashes: unexpired sessions continue after
// restart, expired ones are finalized from the shadow cache or purged.
type ResilientMachine struct {
	cfg    ResilientConfig
	store  store.Store
	logger *zap.Logger
	bus    *events.Bus

	mu    sync.RWMutex
	slots map[string]*rslot

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type rslot struct {
	mu   sync.Mutex
	sess *storedSession
}

func NewResilientMachine(cfg ResilientConfig, st store.Store, bus *events.Bus, logger *zap.Logger) *ResilientMachine {
	return &ResilientMachine{
		cfg:    cfg.withDefaults(),
		store:  st,
		logger: logger,
		bus:    bus,
		slots:  make(map[string]*rslot),
		stopCh: make(chan struct{}),
	}
}

func sessionKey(cameraID string) string {
	return "session:" + cameraID
}

func (m *ResilientMachine) slot(cameraID string) *rslot {
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
	sl = &rslot{}
	m.slots[cameraID] = sl
	return sl
}

// ProcessDetection consumes one detection, refreshing the session key's TTL.
// The store write is the only I/O on the hot path.
func (m *ResilientMachine) ProcessDetection(ctx context.Context, det models.Detection) {
	sl := m.slot(det.CameraID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sess := sl.sess; sess != nil {
		idle := det.Timestamp.UnixMilli() - sess.LastSeenMs
		age := det.Timestamp.UnixMilli() - sess.StartMs
		if idle > m.cfg.MaxIdleTime.Milliseconds() || age > m.cfg.MaxEpisodeDuration.Milliseconds() {
			m.logger.Warn("Force-finalizing stuck session",
				zap.String("camera_id", det.CameraID),
				zap.String("episode_id", sess.EpisodeID),
				zap.Int64("idle_ms", idle),
				zap.Int64("age_ms", age))
			m.finalizeSlotLocked(ctx, sl, det.CameraID, "zombie")
		}
	}

	if sl.sess == nil {
		sess := &storedSession{
			EpisodeID: models.NewEpisodeID(det.CameraID, det.Timestamp),
			CameraID:  det.CameraID,
			StartMs:   det.Timestamp.UnixMilli(),
			Counts:    make(map[string]int),
		}
		sl.sess = sess

		m.bus.Publish(events.Event{
			Type:      events.EpisodeStart,
			EpisodeID: sess.EpisodeID,
			CameraID:  sess.CameraID,
			Timestamp: det.Timestamp,
		})
	}

	sess := sl.sess
	sess.LastSeenMs = det.Timestamp.UnixMilli()
	if len(sess.Detections) < m.cfg.MaxFramesPerEpisode {
		sess.Detections = append(sess.Detections, det)
		if det.Label != "" {
			sess.Counts[det.Label]++
		}
		if sess.Best == nil || det.Confidence > sess.Best.Confidence {
			d := det
			sess.Best = &d
		}
	}

	m.persistLocked(ctx, sess)
}

func (m *ResilientMachine) persistLocked(ctx context.Context, sess *storedSession) {
	data, err := json.Marshal(sess)
	if err != nil {
		m.logger.Error("Failed to serialize session", zap.Error(err))
		return
	}

	// Store failures are logged, not fatal: the shadow copy still finalizes
	// the episode if the process stays up.
	if err := m.store.Set(ctx, sessionKey(sess.CameraID), data, m.cfg.SessionTTL); err != nil {
		m.logger.Error("Failed to write session key",
			zap.String("camera_id", sess.CameraID), zap.Error(err))
	}
	if err := m.store.AddToSet(ctx, m.cfg.ActiveSetKey, sess.CameraID); err != nil {
		m.logger.Error("Failed to register active camera",
			zap.String("camera_id", sess.CameraID), zap.Error(err))
	}
}

// Start launches the janitor loop. Call Recover first on process startup.
func (m *ResilientMachine) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.JanitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.logger.Error("Janitor sweep failed", zap.Error(err))
				}
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *ResilientMachine) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Sweep is one janitor pass: any camera in the active set whose session key
// has expired gets finalized from the shadow cache. Safe to call
// concurrently with detection processing and safe to call twice; finalizing
// an already-finalized session is a no-op.
func (m *ResilientMachine) Sweep(ctx context.Context) error {
	cameras, err := m.store.SetMembers(ctx, m.cfg.ActiveSetKey)
	if err != nil {
		return fmt.Errorf("listing active cameras: %w", err)
	}

	for _, cam := range cameras {
		exists, err := m.store.Exists(ctx, sessionKey(cam))
		if err != nil {
			m.logger.Error("Janitor existence check failed",
				zap.String("camera_id", cam), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		sl := m.slot(cam)
		sl.mu.Lock()
		// The key may have been refreshed between the existence check and
		// taking the lock; re-check before finalizing.
		exists, err = m.store.Exists(ctx, sessionKey(cam))
		if err == nil && !exists {
			m.finalizeSlotLocked(ctx, sl, cam, "ttl-expired")
		}
		sl.mu.Unlock()
	}
	return nil
}

// Recover re-scans the active-camera set after a restart. Unexpired sessions
// are re-cached and continue; sessions that expired during the outage are
// purged, since their frame payloads died with the old process.
func (m *ResilientMachine) Recover(ctx context.Context) error {
	cameras, err := m.store.SetMembers(ctx, m.cfg.ActiveSetKey)
	if err != nil {
		return fmt.Errorf("listing active cameras: %w", err)
	}

	for _, cam := range cameras {
		data, err := m.store.Get(ctx, sessionKey(cam))
		if err == store.ErrNotFound {
			m.logger.Warn("Purging session expired during outage",
				zap.String("camera_id", cam))
			if err := m.store.RemoveFromSet(ctx, m.cfg.ActiveSetKey, cam); err != nil {
				m.logger.Error("Failed to purge camera from active set",
					zap.String("camera_id", cam), zap.Error(err))
			}
			continue
		}
		if err != nil {
			m.logger.Error("Recovery read failed",
				zap.String("camera_id", cam), zap.Error(err))
			continue
		}

		var sess storedSession
		if err := json.Unmarshal(data, &sess); err != nil {
			m.logger.Error("Recovery payload corrupt, purging",
				zap.String("camera_id", cam), zap.Error(err))
			_ = m.store.Delete(ctx, sessionKey(cam))
			_ = m.store.RemoveFromSet(ctx, m.cfg.ActiveSetKey, cam)
			continue
		}

		sl := m.slot(cam)
		sl.mu.Lock()
		sl.sess = &sess
		sl.mu.Unlock()

		m.logger.Info("Recovered live session",
			zap.String("camera_id", cam),
			zap.String("episode_id", sess.EpisodeID),
			zap.Int("frames", len(sess.Detections)))
	}
	return nil
}

// finalizeSlotLocked closes the slot's session exactly once. The shadow
// entry is cleared first, so a racing second finalize finds nothing to do.
func (m *ResilientMachine) finalizeSlotLocked(ctx context.Context, sl *rslot, cameraID, reason string) {
	sess := sl.sess
	if sess == nil {
		// Nothing known locally; just drop the orphaned set membership.
		if err := m.store.RemoveFromSet(ctx, m.cfg.ActiveSetKey, cameraID); err != nil {
			m.logger.Error("Failed to deregister camera",
				zap.String("camera_id", cameraID), zap.Error(err))
		}
		return
	}
	sl.sess = nil

	if err := m.store.Delete(ctx, sessionKey(cameraID)); err != nil {
		m.logger.Error("Failed to delete session key",
			zap.String("camera_id", cameraID), zap.Error(err))
	}
	if err := m.store.RemoveFromSet(ctx, m.cfg.ActiveSetKey, cameraID); err != nil {
		m.logger.Error("Failed to deregister camera",
			zap.String("camera_id", cameraID), zap.Error(err))
	}

	start := time.UnixMilli(sess.StartMs).UTC()
	end := time.UnixMilli(sess.LastSeenMs).UTC()
	duration := end.Sub(start)
	if duration < m.cfg.MinDuration {
		m.logger.Debug("Discarding ghost episode",
			zap.String("camera_id", cameraID),
			zap.String("episode_id", sess.EpisodeID),
			zap.Duration("duration", duration))
		return
	}

	ep := buildEpisode(cameraID, start, end, sess.Detections, sess.Best, sess.Counts)

	m.logger.Info("Episode finalized",
		zap.String("camera_id", cameraID),
		zap.String("episode_id", ep.ID),
		zap.String("reason", reason),
		zap.Int("frames", ep.FrameCount),
		zap.Duration("duration", ep.Duration))

	m.bus.Publish(events.Event{
		Type:       events.EpisodeReady,
		EpisodeID:  ep.ID,
		CameraID:   cameraID,
		Timestamp:  end,
		Episode:    ep,
		Detections: sess.Detections,
	})
}

// ActiveCameras lists cameras the store believes have live sessions.
func (m *ResilientMachine) ActiveCameras(ctx context.Context) ([]string, error) {
	return m.store.SetMembers(ctx, m.cfg.ActiveSetKey)
}
