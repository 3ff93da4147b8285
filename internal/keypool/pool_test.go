package keypool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
)

// snapshotRecorder captures every persisted pool state.
type snapshotRecorder struct {
	mu    sync.Mutex
	saves [][]config.KeyStatus
}

func (r *snapshotRecorder) persist(keys []config.KeyStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, keys)
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func (r *snapshotRecorder) last() []config.KeyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saves) == 0 {
		return nil
	}
	return r.saves[len(r.saves)-1]
}

func keys(secrets ...string) []config.KeyStatus {
	out := make([]config.KeyStatus, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, config.KeyStatus{Key: s})
	}
	return out
}

func TestPoolRequestRotatesToTail(t *testing.T) {
	pool := NewPool(keys("K1", "K2", "K3"), nil)
	defer pool.Close()
	ctx := context.Background()

	k, err := pool.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, "K1", k.Key)

	status := pool.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "K2", status[0].Key)
	assert.Equal(t, "K3", status[1].Key)
	assert.Equal(t, "K1", status[2].Key)
}

func TestPoolLeaseFairness(t *testing.T) {
	pool := NewPool(keys("K1", "K2", "K3"), nil)
	defer pool.Close()
	ctx := context.Background()

	// With every key available, consecutive leases cycle through the whole
	// pool before repeating.
	seen := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		k, err := pool.Request(ctx)
		require.NoError(t, err)
		seen = append(seen, k.Key)
	}
	assert.Equal(t, []string{"K1", "K2", "K3", "K1", "K2", "K3"}, seen)
}

func TestPoolRequestEmpty(t *testing.T) {
	pool := NewPool(nil, nil)
	defer pool.Close()

	_, err := pool.Request(context.Background())
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
}

func TestPoolCooldownGating(t *testing.T) {
	cooling := config.KeyStatus{Key: "K1"}
	cooling.SetCooldown(time.Hour)
	pool := NewPool([]config.KeyStatus{cooling, {Key: "K2"}}, nil)
	defer pool.Close()
	ctx := context.Background()

	// K1 cools down, so K2 is leased every time.
	for i := 0; i < 3; i++ {
		k, err := pool.Request(ctx)
		require.NoError(t, err)
		assert.Equal(t, "K2", k.Key)
	}

	// An expired cooldown makes the key eligible again.
	expired := config.KeyStatus{Key: "K1"}
	past := time.Now().Add(-time.Second)
	expired.CooldownUntil = &past
	pool.Return(expired)

	leased := map[string]bool{}
	for i := 0; i < 2; i++ {
		k, err := pool.Request(ctx)
		require.NoError(t, err)
		leased[k.Key] = true
	}
	assert.True(t, leased["K1"])
	assert.True(t, leased["K2"])
}

func TestPoolAllCoolingDown(t *testing.T) {
	cooling := config.KeyStatus{Key: "K1"}
	cooling.SetCooldown(time.Hour)
	pool := NewPool([]config.KeyStatus{cooling}, nil)
	defer pool.Close()

	_, err := pool.Request(context.Background())
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
}

func TestPoolSubmitUnique(t *testing.T) {
	recorder := &snapshotRecorder{}
	pool := NewPool(keys("K1"), recorder.persist)

	pool.Submit(config.KeyStatus{Key: "K2"})
	pool.Submit(config.KeyStatus{Key: "K2"})
	pool.Submit(config.KeyStatus{Key: "K1"})

	status := pool.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "K1", status[0].Key)
	assert.Equal(t, "K2", status[1].Key)

	pool.Close()
	// One snapshot for the accepted submit, one forced on close.
	assert.Equal(t, 2, recorder.count())
}

func TestPoolDelete(t *testing.T) {
	recorder := &snapshotRecorder{}
	pool := NewPool(keys("K1", "K2"), recorder.persist)
	defer pool.Close()

	require.NoError(t, pool.Delete(config.KeyStatus{Key: "K1"}))
	assert.ErrorIs(t, pool.Delete(config.KeyStatus{Key: "K1"}), ErrKeyNotFound)

	status := pool.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "K2", status[0].Key)
	assert.GreaterOrEqual(t, recorder.count(), 1)
}

func TestPoolReturnSnapshotOnlyOnCooldownChange(t *testing.T) {
	recorder := &snapshotRecorder{}
	pool := NewPool(keys("K1"), recorder.persist)

	ctx := context.Background()
	k, err := pool.Request(ctx)
	require.NoError(t, err)

	// Plain return: no state change, no snapshot.
	pool.Return(k)
	status := pool.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 0, recorder.count())

	// Cooldown change triggers exactly one snapshot.
	k, err = pool.Request(ctx)
	require.NoError(t, err)
	k.SetCooldown(time.Minute)
	pool.Return(k)
	_ = pool.Status()
	assert.Equal(t, 1, recorder.count())

	saved := recorder.last()
	require.Len(t, saved, 1)
	assert.Equal(t, "K1", saved[0].Key)
	require.NotNil(t, saved[0].CooldownUntil)
	assert.True(t, saved[0].CooldownUntil.After(time.Now()))

	pool.Close()
}

func TestPoolReturnUnknownKeyDropped(t *testing.T) {
	recorder := &snapshotRecorder{}
	pool := NewPool(keys("K1"), recorder.persist)
	defer pool.Close()

	pool.Return(config.KeyStatus{Key: "stranger"})
	status := pool.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "K1", status[0].Key)
	assert.Equal(t, 0, recorder.count())
}

func TestPoolUniquenessUnderChurn(t *testing.T) {
	pool := NewPool(nil, nil)
	defer pool.Close()

	for i := 0; i < 5; i++ {
		pool.Submit(config.KeyStatus{Key: "A"})
		pool.Submit(config.KeyStatus{Key: "B"})
		_ = pool.Delete(config.KeyStatus{Key: "A"})
		pool.Submit(config.KeyStatus{Key: "A"})
	}

	status := pool.Status()
	seen := map[string]int{}
	for i := range status {
		seen[status[i].Key]++
	}
	for key, n := range seen {
		assert.Equalf(t, 1, n, "key %s appears %d times", key, n)
	}
}

func TestPoolFinalSnapshotOnClose(t *testing.T) {
	recorder := &snapshotRecorder{}
	pool := NewPool(keys("K1", "K2"), recorder.persist)
	pool.Close()

	require.GreaterOrEqual(t, recorder.count(), 1)
	saved := recorder.last()
	require.Len(t, saved, 2)
	assert.Equal(t, "K1", saved[0].Key)
	assert.Equal(t, "K2", saved[1].Key)
}

func TestPoolRequestHonorsContext(t *testing.T) {
	pool := NewPool(keys("K1"), nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Request(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
