package episode

import (
	"testing"
	"time"

	"github.com/securewatch/securewatch/server/events"
	"github.com/securewatch/securewatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collect(ch <-chan events.Event, typ events.Type, timeout time.Duration) (events.Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev, true
			}
		case <-deadline:
			return events.Event{}, false
		}
	}
}

func TestMachineEmitsStartOnFirstDetection(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	m := NewMachine(DefaultConfig(), bus, zap.NewNop())
	m.ProcessDetection(detAt(0, "person", 0.8))

	ev, ok := collect(ch, events.EpisodeStart, time.Second)
	require.True(t, ok)
	assert.Equal(t, "cam1", ev.CameraID)
	assert.NotEmpty(t, ev.EpisodeID)

	status, open := m.Status("cam1")
	require.True(t, open)
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, 1, status.FrameCount)
}

func TestMachineCooldownThenFinalize(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	cfg := Config{
		Cooldown:    200 * time.Millisecond,
		MinDuration: time.Millisecond,
	}
	m := NewMachine(cfg, bus, zap.NewNop())

	m.ProcessDetection(detAt(0, "person", 0.8))
	m.ProcessDetection(detAt(200*time.Millisecond, "person", 0.9))

	// First timer flags COOLDOWN without closing; the close comes half a
	// cooldown later.
	time.Sleep(240 * time.Millisecond)
	status, open := m.Status("cam1")
	require.True(t, open, "session still open during cooldown")
	assert.Equal(t, StateCooldown, status.State)

	// Second (half-duration) timer finalizes.
	ev, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok)
	require.NotNil(t, ev.Episode)
	assert.Equal(t, 2, ev.Episode.FrameCount)
	assert.Equal(t, models.EpisodeComplete, ev.Episode.Status)

	_, open = m.Status("cam1")
	assert.False(t, open, "session removed after finalize")
}

func TestDetectionDuringCooldownReactivates(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	cfg := Config{
		Cooldown:    100 * time.Millisecond,
		MinDuration: time.Millisecond,
	}
	m := NewMachine(cfg, bus, zap.NewNop())

	m.ProcessDetection(detAt(0, "person", 0.8))
	time.Sleep(120 * time.Millisecond) // into COOLDOWN

	m.ProcessDetection(detAt(500*time.Millisecond, "person", 0.8))
	status, open := m.Status("cam1")
	require.True(t, open)
	assert.Equal(t, StateActive, status.State, "activity resets COOLDOWN to ACTIVE")

	// The original episode id survives the reactivation.
	ev, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok)
	assert.Equal(t, models.NewEpisodeID("cam1", t0), ev.EpisodeID)
}

func TestGhostEpisodeDiscarded(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	cfg := Config{
		Cooldown:    60 * time.Millisecond,
		MinDuration: 1500 * time.Millisecond,
	}
	m := NewMachine(cfg, bus, zap.NewNop())

	// Two frames 200ms apart: far below the 1500ms minimum.
	m.ProcessDetection(detAt(0, "person", 0.8))
	m.ProcessDetection(detAt(200*time.Millisecond, "person", 0.8))

	_, ok := collect(ch, events.EpisodeReady, 400*time.Millisecond)
	assert.False(t, ok, "ghost episode must never be emitted")

	_, open := m.Status("cam1")
	assert.False(t, open, "ghost session is still removed")
}

func TestZombieGuardForceFinalizesOnIdleTimestamp(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	cfg := Config{
		Cooldown:    time.Hour, // timers effectively disabled
		MinDuration: time.Millisecond,
		MaxIdleTime: 5 * time.Second,
	}
	m := NewMachine(cfg, bus, zap.NewNop())

	m.ProcessDetection(detAt(0, "person", 0.8))
	m.ProcessDetection(detAt(time.Second, "person", 0.8))

	// Next detection arrives 10s later: over maxIdleTime, guard fires
	// before normal processing.
	m.ProcessDetection(detAt(11*time.Second, "person", 0.9))

	ev, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok, "stuck session force-finalized without any timer")
	assert.Equal(t, 2, ev.Episode.FrameCount)

	status, open := m.Status("cam1")
	require.True(t, open, "fresh session started from the triggering detection")
	assert.NotEqual(t, ev.EpisodeID, status.EpisodeID, "new session gets a distinct episode id")
	assert.Equal(t, 1, status.FrameCount)
}

func TestZombieGuardMaxEpisodeDuration(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	cfg := Config{
		Cooldown:           time.Hour,
		MinDuration:        time.Millisecond,
		MaxIdleTime:        time.Hour,
		MaxEpisodeDuration: 60 * time.Second,
	}
	m := NewMachine(cfg, bus, zap.NewNop())

	// Steady activity for over a minute; idle never trips, age does.
	for off := time.Duration(0); off <= 61*time.Second; off += time.Second {
		m.ProcessDetection(detAt(off, "person", 0.8))
	}

	_, ok := collect(ch, events.EpisodeReady, time.Second)
	assert.True(t, ok, "overlong session split by the duration guard")
}

func TestFrameCapBoundsSession(t *testing.T) {
	bus := events.NewBus()
	m := NewMachine(Config{Cooldown: time.Hour, MaxFramesPerEpisode: 5}, bus, zap.NewNop())

	for i := 0; i < 20; i++ {
		m.ProcessDetection(detAt(time.Duration(i)*100*time.Millisecond, "person", 0.8))
	}

	status, open := m.Status("cam1")
	require.True(t, open)
	assert.Equal(t, 5, status.FrameCount)
	// last_seen keeps advancing even when frames stop being stored.
	assert.Equal(t, t0.Add(1900*time.Millisecond), status.LastSeen)
}

func TestBestFrameReplacedOnlyByStrictlyHigherConfidence(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	cfg := Config{Cooldown: 60 * time.Millisecond, MinDuration: time.Millisecond}
	m := NewMachine(cfg, bus, zap.NewNop())

	m.ProcessDetection(detAt(0, "person", 0.9))
	m.ProcessDetection(detAt(100*time.Millisecond, "person", 0.9)) // equal: keep first
	m.ProcessDetection(detAt(200*time.Millisecond, "car", 0.95))

	ev, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok)
	require.NotNil(t, ev.Episode.BestSnapshot)
	assert.Equal(t, 0.95, ev.Episode.BestSnapshot.Confidence)
	assert.Equal(t, t0, ev.Episode.StartTime)
}

func TestCamerasAreIndependent(t *testing.T) {
	bus := events.NewBus()
	m := NewMachine(Config{Cooldown: time.Hour}, bus, zap.NewNop())

	a := detAt(0, "person", 0.8)
	b := detAt(0, "car", 0.8)
	b.CameraID = "cam2"

	m.ProcessDetection(a)
	m.ProcessDetection(b)

	assert.Len(t, m.ActiveSessions(), 2)

	s1, _ := m.Status("cam1")
	s2, _ := m.Status("cam2")
	assert.NotEqual(t, s1.EpisodeID, s2.EpisodeID)
}

func TestCloseFinalizesOpenSessions(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	cfg := Config{Cooldown: time.Hour, MinDuration: time.Millisecond}
	m := NewMachine(cfg, bus, zap.NewNop())

	m.ProcessDetection(detAt(0, "person", 0.8))
	m.ProcessDetection(detAt(time.Second, "person", 0.8))
	m.Close()

	_, ok := collect(ch, events.EpisodeReady, time.Second)
	assert.True(t, ok)
	assert.Empty(t, m.ActiveSessions())
}
