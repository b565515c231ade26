package lagcomp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func snapAt(tick uint64, at time.Time, entities map[uint64]EntityState) *Snapshot {
	return &Snapshot{Tick: tick, Timestamp: at, Entities: entities}
}

func TestRingRecordRejectsNonMonotonicTick(t *testing.T) {
	r := NewRing(DefaultRingConfig())
	require.NoError(t, r.Record(snapAt(5, t0, nil)))
	require.Error(t, r.Record(snapAt(5, t0.Add(time.Millisecond), nil)))
	require.Error(t, r.Record(snapAt(4, t0.Add(time.Millisecond), nil)))
	require.NoError(t, r.Record(snapAt(6, t0.Add(16*time.Millisecond), nil)))
}

func TestRingEvictsBeyondRetention(t *testing.T) {
	cfg := DefaultRingConfig()
	cfg.Retention = 100 * time.Millisecond
	r := NewRing(cfg)

	for i := range uint64(20) {
		require.NoError(t, r.Record(snapAt(i+1, t0.Add(time.Duration(i)*16*time.Millisecond), nil)))
	}
	require.Less(t, r.Len(), 20)
	require.Equal(t, uint64(20), r.Latest().Tick)

	_, err := r.At(t0)
	require.ErrorIs(t, err, ErrStaleRewind)
}

func TestRingAtExactTimestamp(t *testing.T) {
	r := NewRing(DefaultRingConfig())
	es := map[uint64]EntityState{7: {Position: spatial.Point{X: 1}, Alive: true}}
	require.NoError(t, r.Record(snapAt(1, t0, es)))
	require.NoError(t, r.Record(snapAt(2, t0.Add(16*time.Millisecond), nil)))

	got, err := r.At(t0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Tick)
	require.Equal(t, 1.0, got.Entities[7].Position.X)
}

func TestInterpolationEndpoints(t *testing.T) {
	a := snapAt(1, t0, map[uint64]EntityState{1: {Position: spatial.Point{X: 0}, Health: 100, Alive: true}})
	b := snapAt(2, t0.Add(16*time.Millisecond), map[uint64]EntityState{1: {Position: spatial.Point{X: 10}, Health: 90, Alive: true}})

	at0 := interpolate(a, b, 0, InterpLinear)
	require.Equal(t, 0.0, at0.Entities[1].Position.X)
	require.Equal(t, int32(100), at0.Entities[1].Health)

	at1 := interpolate(a, b, 1, InterpLinear)
	require.Equal(t, 10.0, at1.Entities[1].Position.X)
	require.Equal(t, int32(90), at1.Entities[1].Health)

	mid := interpolate(a, b, 0.5, InterpLinear)
	require.InDelta(t, 5.0, mid.Entities[1].Position.X, 1e-9)
}

func TestHermiteMatchesEndpoints(t *testing.T) {
	p0 := spatial.Point{X: 0}
	p1 := spatial.Point{X: 10}
	v := spatial.Point{X: 625} // arbitrary tangents must not disturb endpoints
	require.InDelta(t, 0.0, hermite(p0, v, p1, v, 0.016, 0).X, 1e-9)
	require.InDelta(t, 10.0, hermite(p0, v, p1, v, 0.016, 1).X, 1e-9)
}

func TestRingExtrapolatesWithinBudget(t *testing.T) {
	r := NewRing(DefaultRingConfig())
	es := map[uint64]EntityState{1: {Position: spatial.Point{X: 0}, Velocity: spatial.Point{X: 10}, Alive: true}}
	require.NoError(t, r.Record(snapAt(1, t0, es)))

	got, err := r.At(t0.Add(100 * time.Millisecond))
	require.NoError(t, err)
	require.InDelta(t, 1.0, got.Entities[1].Position.X, 1e-9)

	_, err = r.At(t0.Add(300 * time.Millisecond))
	require.ErrorIs(t, err, ErrFutureRewind)
}

func TestRingAtTickBinarySearch(t *testing.T) {
	r := NewRing(DefaultRingConfig())
	for i := range uint64(10) {
		require.NoError(t, r.Record(snapAt(i*2+2, t0.Add(time.Duration(i)*16*time.Millisecond), nil)))
	}
	require.NotNil(t, r.AtTick(2))
	require.NotNil(t, r.AtTick(20))
	require.Nil(t, r.AtTick(3))
	require.Nil(t, r.AtTick(99))
}

func TestRingConfigValidate(t *testing.T) {
	cfg := DefaultRingConfig()
	require.NoError(t, cfg.Validate())

	cfg.Interval = 500 * time.Millisecond
	cfg.Extrapolation = 200 * time.Millisecond
	require.Error(t, cfg.Validate())

	cfg = DefaultRingConfig()
	cfg.Retention = 10 * time.Millisecond
	require.Error(t, cfg.Validate())
}
