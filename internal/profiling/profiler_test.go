package profiling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iccagent/internal/model"
	"iccagent/pkg/agenterrors"
)

type sinkRecorder struct {
	mu    sync.Mutex
	calls []struct {
		data    *model.ProfileData
		matched []Request
	}
}

func (s *sinkRecorder) sink() Sink {
	return func(ctx context.Context, key Key, data *model.ProfileData, matched []Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, struct {
			data    *model.ProfileData
			matched []Request
		}{data, matched})
	}
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestProfiler(rt Runtime, sink Sink, durationMillis int) *Profiler {
	p := NewProfiler(Key{ServiceID: "main", Type: model.ProfileCPU}, worker("main", 0), durationMillis, false, rt, sink)
	p.attemptTimeout = 10 * time.Millisecond
	return p
}

func TestProfiler_NotEnoughELUIsNotRetried(t *testing.T) {
	rt := newFakeProfRuntime(worker("main", 0))
	rt.profileErr = agenterrors.ErrNotEnoughELU
	rec := &sinkRecorder{}
	p := newTestProfiler(rt, rec.sink(), 30)

	require.NoError(t, p.Request(context.Background(), Request{AlertID: "a1", Timestamp: time.Now()}))

	// One production boundary passes; the fetch fails once and gives
	// up without retrying within that production. (The next boundary
	// may try again; only the attempt cadence must stay quiet.)
	require.Eventually(t, func() bool { return rt.getCount() >= 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, 1, rt.getCount())
	assert.Equal(t, 0, rec.count())
}

func TestProfiler_NoProfileAvailableRetriesThenGivesUp(t *testing.T) {
	rt := newFakeProfRuntime(worker("main", 0))
	rt.profileErr = agenterrors.ErrNoProfileAvailable
	rec := &sinkRecorder{}
	p := newTestProfiler(rt, rec.sink(), 30)

	require.NoError(t, p.Request(context.Background(), Request{AlertID: "a1", Timestamp: time.Now()}))

	// ceil(30/10)+1 = 4 attempts for the first production.
	require.Eventually(t, func() bool { return rt.getCount() >= 4 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestProfiler_RequestsNewerThanProfileStayQueued(t *testing.T) {
	rt := newFakeProfRuntime(worker("main", 0))
	// The produced profile predates every request.
	rt.profile = &model.ProfileData{Bytes: []byte("old"), SourceTimestamp: time.Now().Add(-time.Hour)}
	rec := &sinkRecorder{}
	p := newTestProfiler(rt, rec.sink(), 30)

	require.NoError(t, p.Request(context.Background(), Request{AlertID: "a1", Timestamp: time.Now()}))

	require.Eventually(t, func() bool { return rt.getCount() >= 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, rec.count())
	p.mu.Lock()
	pending := len(p.requests)
	p.mu.Unlock()
	assert.Equal(t, 1, pending)
}

func TestProfiler_StopSettlesPendingWithLastProfile(t *testing.T) {
	rt := newFakeProfRuntime(worker("main", 0))
	rt.profile = &model.ProfileData{Bytes: []byte("prof"), SourceTimestamp: time.Now().Add(time.Minute)}
	rec := &sinkRecorder{}
	p := newTestProfiler(rt, rec.sink(), 30)

	ctx := context.Background()
	require.NoError(t, p.Request(ctx, Request{AlertID: "a1", Timestamp: time.Now()}))

	// Wait for the first production, then enqueue a request that the
	// next cycle would serve, and stop before it does.
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 2*time.Millisecond)

	p.mu.Lock()
	p.requests = append(p.requests, Request{AlertID: "a2", Timestamp: time.Now()})
	p.mu.Unlock()

	p.Stop(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.calls, 2)
	require.Len(t, rec.calls[1].matched, 1)
	assert.Equal(t, "a2", rec.calls[1].matched[0].AlertID)
	assert.Equal(t, []byte("prof"), rec.calls[1].data.Bytes)
}

func TestProfiler_StopIssuesAtMostOneStopRPC(t *testing.T) {
	rt := newFakeProfRuntime(worker("main", 0))
	rt.profileErr = agenterrors.ErrNotEnoughELU
	p := newTestProfiler(rt, (&sinkRecorder{}).sink(), 5000)

	ctx := context.Background()
	require.NoError(t, p.Request(ctx, Request{AlertID: "a1", Timestamp: time.Now()}))
	require.Equal(t, StateRunning, p.State())

	p.Stop(ctx)
	p.Stop(ctx)
	assert.Equal(t, 1, rt.stopCount())
	assert.Equal(t, StateIdle, p.State())
}

func TestProfiler_IdleStopAfterHalfDuration(t *testing.T) {
	rt := newFakeProfRuntime(worker("main", 0))
	rt.profile = &model.ProfileData{Bytes: []byte("prof"), SourceTimestamp: time.Now().Add(time.Minute)}
	rec := &sinkRecorder{}
	p := newTestProfiler(rt, rec.sink(), 40)

	require.NoError(t, p.Request(context.Background(), Request{AlertID: "a1", Timestamp: time.Now()}))

	// Production at ~40ms serves the only request; with the queue
	// empty, the session stops on its own ~20ms later.
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return p.State() == StateIdle }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, rt.stopCount())
}
