package episode

import (
	"context"
	"testing"
	"time"

	"github.com/securewatch/securewatch/server/events"
	"github.com/securewatch/securewatch/server/models"
	"github.com/securewatch/securewatch/server/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func resilientFixture(t *testing.T, cfg ResilientConfig) (*ResilientMachine, *store.MemoryStore, <-chan events.Event) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(32)
	t.Cleanup(cancel)

	return NewResilientMachine(cfg, st, bus, zap.NewNop()), st, ch
}

func quickResilientConfig() ResilientConfig {
	cfg := DefaultResilientConfig()
	cfg.MinDuration = time.Millisecond
	return cfg
}

func TestResilientSessionPersistedWithTTL(t *testing.T) {
	m, st, ch := resilientFixture(t, quickResilientConfig())
	ctx := context.Background()

	m.ProcessDetection(ctx, detAt(0, "person", 0.8))

	_, ok := collect(ch, events.EpisodeStart, time.Second)
	require.True(t, ok)

	exists, err := st.Exists(ctx, sessionKey("cam1"))
	require.NoError(t, err)
	assert.True(t, exists)

	ttl, err := st.TTL(ctx, sessionKey("cam1"))
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	cameras, err := m.ActiveCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cam1"}, cameras)
}

func TestSweepLeavesLiveSessionsAlone(t *testing.T) {
	m, _, ch := resilientFixture(t, quickResilientConfig())
	ctx := context.Background()

	m.ProcessDetection(ctx, detAt(0, "person", 0.8))
	m.ProcessDetection(ctx, detAt(time.Second, "person", 0.8))

	require.NoError(t, m.Sweep(ctx))

	_, ok := collect(ch, events.EpisodeReady, 100*time.Millisecond)
	assert.False(t, ok, "live session must not be finalized")

	cameras, err := m.ActiveCameras(ctx)
	require.NoError(t, err)
	assert.Len(t, cameras, 1)
}

func TestSweepFinalizesExpiredSession(t *testing.T) {
	m, st, ch := resilientFixture(t, quickResilientConfig())
	ctx := context.Background()

	m.ProcessDetection(ctx, detAt(0, "person", 0.8))
	m.ProcessDetection(ctx, detAt(2*time.Second, "car", 0.9))

	st.Expire(sessionKey("cam1"))
	require.NoError(t, m.Sweep(ctx))

	ev, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok, "expired session finalized from the shadow cache")
	require.NotNil(t, ev.Episode)
	assert.Equal(t, "cam1", ev.CameraID)
	assert.Equal(t, 2, ev.Episode.FrameCount)
	assert.Equal(t, models.NewEpisodeID("cam1", t0), ev.EpisodeID)
	require.NotNil(t, ev.Episode.BestSnapshot)
	assert.Equal(t, 0.9, ev.Episode.BestSnapshot.Confidence)

	cameras, err := m.ActiveCameras(ctx)
	require.NoError(t, err)
	assert.Empty(t, cameras, "finalized camera removed from the active set")
}

func TestSweepIsIdempotent(t *testing.T) {
	m, st, ch := resilientFixture(t, quickResilientConfig())
	ctx := context.Background()

	m.ProcessDetection(ctx, detAt(0, "person", 0.8))
	m.ProcessDetection(ctx, detAt(2*time.Second, "person", 0.8))

	st.Expire(sessionKey("cam1"))
	require.NoError(t, m.Sweep(ctx))
	require.NoError(t, m.Sweep(ctx))

	_, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok)
	_, ok = collect(ch, events.EpisodeReady, 100*time.Millisecond)
	assert.False(t, ok, "second sweep must not emit a duplicate episode")
}

func TestGhostSessionDiscardedBySweep(t *testing.T) {
	cfg := DefaultResilientConfig()
	cfg.MinDuration = 1500 * time.Millisecond
	m, st, ch := resilientFixture(t, cfg)
	ctx := context.Background()

	m.ProcessDetection(ctx, detAt(0, "person", 0.8))
	m.ProcessDetection(ctx, detAt(200*time.Millisecond, "person", 0.8))

	st.Expire(sessionKey("cam1"))
	require.NoError(t, m.Sweep(ctx))

	_, ok := collect(ch, events.EpisodeReady, 100*time.Millisecond)
	assert.False(t, ok, "ghost episode must never be emitted")

	cameras, err := m.ActiveCameras(ctx)
	require.NoError(t, err)
	assert.Empty(t, cameras)
}

func TestRecoverContinuesUnexpiredSession(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	ctx := context.Background()

	// First process writes a session, then "crashes".
	first := NewResilientMachine(quickResilientConfig(), st, bus, zap.NewNop())
	first.ProcessDetection(ctx, detAt(0, "person", 0.8))
	first.ProcessDetection(ctx, detAt(time.Second, "person", 0.8))

	// Second process recovers while the key is still live.
	ch, cancel := bus.Subscribe(32)
	t.Cleanup(cancel)
	second := NewResilientMachine(quickResilientConfig(), st, bus, zap.NewNop())
	require.NoError(t, second.Recover(ctx))

	// The recovered session keeps accumulating under the same episode id.
	second.ProcessDetection(ctx, detAt(2*time.Second, "person", 0.9))

	sessKey := sessionKey("cam1")
	st.Expire(sessKey)
	require.NoError(t, second.Sweep(ctx))

	ev, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok)
	assert.Equal(t, models.NewEpisodeID("cam1", t0), ev.EpisodeID)
	assert.Equal(t, 3, ev.Episode.FrameCount, "pre-crash frames survive the restart")
}

func TestRecoverPurgesSessionExpiredDuringOutage(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	ctx := context.Background()

	first := NewResilientMachine(quickResilientConfig(), st, bus, zap.NewNop())
	first.ProcessDetection(ctx, detAt(0, "person", 0.8))

	// Key expires while no process is running; the frame payload is gone.
	st.Expire(sessionKey("cam1"))

	ch, cancel := bus.Subscribe(32)
	t.Cleanup(cancel)
	second := NewResilientMachine(quickResilientConfig(), st, bus, zap.NewNop())
	require.NoError(t, second.Recover(ctx))

	_, ok := collect(ch, events.EpisodeReady, 100*time.Millisecond)
	assert.False(t, ok, "nothing to finalize: payload was lost with the old process")

	cameras, err := second.ActiveCameras(ctx)
	require.NoError(t, err)
	assert.Empty(t, cameras, "orphaned membership purged")
}

func TestRecoverPurgesCorruptPayload(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, sessionKey("cam1"), []byte("{not json"), time.Minute))
	require.NoError(t, st.AddToSet(ctx, DefaultResilientConfig().ActiveSetKey, "cam1"))

	m := NewResilientMachine(quickResilientConfig(), st, bus, zap.NewNop())
	require.NoError(t, m.Recover(ctx))

	exists, err := st.Exists(ctx, sessionKey("cam1"))
	require.NoError(t, err)
	assert.False(t, exists)

	cameras, err := m.ActiveCameras(ctx)
	require.NoError(t, err)
	assert.Empty(t, cameras)
}

func TestResilientZombieGuardStartsFreshSession(t *testing.T) {
	m, _, ch := resilientFixture(t, quickResilientConfig())
	ctx := context.Background()

	m.ProcessDetection(ctx, detAt(0, "person", 0.8))
	m.ProcessDetection(ctx, detAt(time.Second, "person", 0.8))

	// 10s beyond the last frame: over the idle limit, so the stuck session is
	// closed and the triggering detection opens a new one.
	m.ProcessDetection(ctx, detAt(11*time.Second, "person", 0.9))

	ev, ok := collect(ch, events.EpisodeReady, time.Second)
	require.True(t, ok)
	assert.Equal(t, 2, ev.Episode.FrameCount)

	cameras, err := m.ActiveCameras(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"cam1"}, cameras)

	// The triggering detection opened a fresh session with its own id.
	start, ok := collect(ch, events.EpisodeStart, time.Second)
	require.True(t, ok)
	assert.NotEqual(t, ev.EpisodeID, start.EpisodeID)
}

func TestJanitorLoopFinalizesWithoutManualSweep(t *testing.T) {
	cfg := quickResilientConfig()
	cfg.JanitorInterval = 20 * time.Millisecond
	m, st, ch := resilientFixture(t, cfg)
	ctx := context.Background()

	m.ProcessDetection(ctx, detAt(0, "person", 0.8))
	m.ProcessDetection(ctx, detAt(2*time.Second, "person", 0.8))

	m.Start(ctx)
	defer m.Stop()

	st.Expire(sessionKey("cam1"))

	_, ok := collect(ch, events.EpisodeReady, time.Second)
	assert.True(t, ok, "background janitor picks up the expired session")
}
