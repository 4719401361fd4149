package scaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iccagent/internal/model"
)

type fakeRuntime struct {
	mu        sync.Mutex
	workers   map[model.WorkerId]model.WorkerInfo
	updates   [][]model.AppWorkerCount
	updateErr error
	blockCh   chan struct{}
	listCalls int
}

func newFakeRuntime(counts map[string]int) *fakeRuntime {
	workers := make(map[model.WorkerId]model.WorkerInfo)
	for app, n := range counts {
		for i := 0; i < n; i++ {
			id := model.WorkerId{ServiceID: app, Index: i}
			workers[id] = model.WorkerInfo{ID: id, Alive: true}
		}
	}
	return &fakeRuntime{workers: workers}
}

func (f *fakeRuntime) ListWorkers(ctx context.Context) (map[model.WorkerId]model.WorkerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make(map[model.WorkerId]model.WorkerInfo, len(f.workers))
	for k, v := range f.workers {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRuntime) UpdateApplicationsResources(ctx context.Context, updates []model.AppWorkerCount) error {
	if f.blockCh != nil {
		<-f.blockCh
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updates)
	return f.updateErr
}

func (f *fakeRuntime) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeRuntime) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func hotController(rt Runtime) (*Controller, *time.Time) {
	cfg := testConfig()
	c := NewController(cfg, rt)
	now := time.Now()
	c.now = func() time.Time { return now }
	// One hot app with room to grow.
	c.window.Record("A", model.WorkerId{ServiceID: "A", Index: 0}, 0.95, now)
	return c, &now
}

func TestController_CooldownSuppressesSecondApply(t *testing.T) {
	rt := newFakeRuntime(map[string]int{"A": 2})
	c, now := hotController(rt)

	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 1, rt.updateCount())

	// Still hot, but inside the cooldown.
	c.window.Record("A", model.WorkerId{ServiceID: "A", Index: 0}, 0.95, *now)
	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 1, rt.updateCount())

	// Past the cooldown the next decision applies.
	*now = now.Add(31 * time.Second)
	c.window.Record("A", model.WorkerId{ServiceID: "A", Index: 0}, 0.95, *now)
	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 2, rt.updateCount())
}

func TestController_LastScalingSetEvenWhenApplyFails(t *testing.T) {
	rt := newFakeRuntime(map[string]int{"A": 2})
	rt.updateErr = errors.New("apply failed")
	c, _ := hotController(rt)

	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 1, rt.updateCount())

	// The failed apply still armed the cooldown.
	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 1, rt.updateCount())
}

func TestController_DecisionsAreSerialized(t *testing.T) {
	rt := newFakeRuntime(map[string]int{"A": 2})
	rt.blockCh = make(chan struct{})
	c, _ := hotController(rt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.CheckForScaling(context.Background())
	}()

	// Wait until the in-flight decision has read the worker set.
	require.Eventually(t, func() bool { return rt.listCount() == 1 }, time.Second, time.Millisecond)

	// A second check while one is in flight is a noop.
	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 1, rt.listCount())

	close(rt.blockCh)
	<-done
	assert.Equal(t, 1, rt.updateCount())
}

func TestController_NoRecommendationsLeaveCooldownUnarmed(t *testing.T) {
	rt := newFakeRuntime(map[string]int{"A": 1})
	cfg := testConfig()
	c := NewController(cfg, rt)
	now := time.Now()
	c.now = func() time.Time { return now }

	// Healthy ELU: no recommendations, no apply.
	c.window.Record("A", model.WorkerId{ServiceID: "A", Index: 0}, 0.5, now)
	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 0, rt.updateCount())

	// Going hot right after still applies: the empty run did not arm
	// the cooldown.
	c.window.Record("A", model.WorkerId{ServiceID: "A", Index: 0}, 0.99, now)
	c.window.Record("A", model.WorkerId{ServiceID: "A", Index: 0}, 0.99, now)
	c.window.Record("A", model.WorkerId{ServiceID: "A", Index: 0}, 0.99, now)
	require.NoError(t, c.CheckForScaling(context.Background()))
	assert.Equal(t, 1, rt.updateCount())
}
