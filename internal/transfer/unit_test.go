package transfer

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-fetch/internal/metrics"
)

func TestUnitFanOutTagsOnePrimarySubscriber(t *testing.T) {
	transport := newGatedTransport("hello")
	s, d := newTestScheduler(t, transport, 2)

	u := newTestUnit(t, d, "https://example.com/a.png")
	s.Submit(u)

	const n = 8
	recs := make([]*recorder, n)
	var wg sync.WaitGroup
	for i := range recs {
		recs[i] = newRecorder()
		wg.Add(1)
		go func(r *recorder) {
			defer wg.Done()
			r.subscribe(u)
		}(recs[i])
	}
	wg.Wait()
	transport.waitStarted(t)
	transport.release()

	counts := map[Source]int{}
	for _, r := range recs {
		resp, err := r.wait(t)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(resp.Data))
		counts[resp.Source]++
	}
	assert.Equal(t, 1, counts[SourceNetwork])
	assert.Equal(t, n-1, counts[SourceNetworkShared])
	assert.Len(t, transport.Calls(), 1)
}

func TestUnitReplaysAfterSuccess(t *testing.T) {
	transport := newGatedTransport("data")
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/replay")
	done := make(chan struct{})
	u.OnTerminal(func(*Unit) { close(done) })
	s.Submit(u)

	first := newRecorder()
	first.subscribe(u)
	transport.release()
	resp, err := first.wait(t)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	<-done

	late := newRecorder()
	sub := late.subscribe(u)
	resp, err = late.wait(t)
	require.NoError(t, err)
	assert.Equal(t, SourceNetworkShared, resp.Source)
	assert.Equal(t, "data", string(resp.Data))
	assert.True(t, sub.Done())

	sub.Cancel()
	assert.Len(t, transport.Calls(), 1)
}

func TestUnitSubscribeAfterErrorReceivesError(t *testing.T) {
	transport := newGatedTransport()
	transport.err = &StatusError{Code: 404}
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/missing")
	s.Submit(u)
	first := newRecorder()
	first.subscribe(u)
	transport.release()

	_, err := first.wait(t)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.Code)
	assert.False(t, u.Joinable())

	late := newRecorder()
	late.subscribe(u)
	_, err = late.wait(t)
	assert.ErrorAs(t, err, &statusErr)
}

func TestUnitProgressIsOrderedAndPrecedesCompletion(t *testing.T) {
	transport := newGatedTransport("ab", "cd", "ef")
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/progress")
	s.Submit(u)
	rec := newRecorder()
	rec.subscribe(u)
	transport.release()

	resp, err := rec.wait(t)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(resp.Data))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int64{2, 4, 6}, rec.progress)
	assert.Equal(t, "complete", rec.events[len(rec.events)-1])
}

func TestUnitTransportFailureIsWrapped(t *testing.T) {
	transport := newGatedTransport()
	transport.err = errors.New("connection reset")
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/reset")
	s.Submit(u)
	rec := newRecorder()
	rec.subscribe(u)
	transport.release()

	_, err := rec.wait(t)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.EqualError(t, transportErr.Err, "connection reset")
}

func TestSubscriptionCancelIsIdempotent(t *testing.T) {
	transport := newGatedTransport("x")
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/idempotent")
	s.Submit(u)
	rec := newRecorder()
	sub := rec.subscribe(u)

	sub.Cancel()
	sub.Cancel()
	_, err := rec.wait(t)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, sub.Done())
}

func TestCallbackPanicDoesNotBlockPeers(t *testing.T) {
	transport := newGatedTransport("ok")
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/panic")
	s.Submit(u)
	u.Subscribe(nil, func(Response, error) { panic("boom") })
	rec := newRecorder()
	rec.subscribe(u)
	transport.release()

	_, err := rec.wait(t)
	assert.NoError(t, err)
}

func TestUnitJoinRefusesCancelledUnit(t *testing.T) {
	transport := newGatedTransport("x")
	s, d := newTestScheduler(t, transport, 1)

	blocker := newTestUnit(t, d, "https://example.com/blocker")
	s.Submit(blocker)
	newRecorder().subscribe(blocker)
	transport.waitStarted(t)

	queued := newTestUnit(t, d, "https://example.com/queued")
	s.Submit(queued)
	only := newRecorder()
	sub, ok := queued.Join(only.onProgress, only.onComplete)
	require.True(t, ok)
	sub.Cancel()
	_, err := only.wait(t)
	require.ErrorIs(t, err, ErrCancelled)

	late := newRecorder()
	sub, ok = queued.Join(late.onProgress, late.onComplete)
	assert.False(t, ok)
	assert.Nil(t, sub)
	assert.False(t, late.finished(), "refused join must not deliver anything")

	transport.release()
}

func TestUnitJoinRefusesAbandonedTransfer(t *testing.T) {
	transport := newGatedTransport("x")
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/abandoned")
	s.Submit(u)
	rec := newRecorder()
	sub := rec.subscribe(u)
	transport.waitStarted(t)
	sub.Cancel()
	_, err := rec.wait(t)
	require.ErrorIs(t, err, ErrCancelled)

	late := newRecorder()
	_, ok := u.Join(late.onProgress, late.onComplete)
	assert.False(t, ok)
}

func TestUnitJoinReplaysSuccess(t *testing.T) {
	transport := newGatedTransport("data")
	transport.release()
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, "https://example.com/joined")
	done := make(chan struct{})
	u.OnTerminal(func(*Unit) { close(done) })
	s.Submit(u)
	newRecorder().subscribe(u)
	<-done

	late := newRecorder()
	_, ok := u.Join(late.onProgress, late.onComplete)
	require.True(t, ok)
	resp, err := late.wait(t)
	require.NoError(t, err)
	assert.Equal(t, SourceNetworkShared, resp.Source)
}

func TestUnitJoinRacingLastCancelNeverYieldsCancellation(t *testing.T) {
	transport := newGatedTransport("x")
	s, d := newTestScheduler(t, transport, 1)

	blocker := newTestUnit(t, d, "https://example.com/blocker")
	s.Submit(blocker)
	newRecorder().subscribe(blocker)
	transport.waitStarted(t)

	for i := 0; i < 200; i++ {
		u := newTestUnit(t, d, "https://example.com/race")
		s.Submit(u)
		first := newRecorder()
		sub := first.subscribe(u)

		joiner := newRecorder()
		var joined bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
		go func() {
			defer wg.Done()
			_, joined = u.Join(joiner.onProgress, joiner.onComplete)
		}()
		wg.Wait()

		if !joined {
			assert.False(t, joiner.finished())
			continue
		}
		// 成功合并的订阅者让单元继续排队，不应收到取消。
		assert.False(t, joiner.finished(), "iteration %d: joined subscriber was cancelled", i)
		assert.Equal(t, "ready", u.State())
	}
	transport.release()
}

func TestUnitSubscriptionMetricsFollowDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	transport := newGatedTransport("body")
	s, d := newTestScheduler(t, transport, 1)

	req, err := NewRequest("https://example.com/metrics")
	require.NoError(t, err)
	u := NewUnit(req, d, collector)
	s.Submit(u)

	first, second, third := newRecorder(), newRecorder(), newRecorder()
	subFirst := first.subscribe(u)
	second.subscribe(u)
	third.subscribe(u)
	transport.waitStarted(t)

	subFirst.Cancel()
	_, err = first.wait(t)
	require.ErrorIs(t, err, ErrCancelled)
	transport.release()

	resp, err := second.wait(t)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	resp, err = third.wait(t)
	require.NoError(t, err)
	assert.Equal(t, SourceNetworkShared, resp.Source)

	expected := `
# HELP anyfetch_subscriptions_total Successful deliveries partitioned by provenance: network (primary), shared or replay.
# TYPE anyfetch_subscriptions_total counter
anyfetch_subscriptions_total{kind="network"} 1
anyfetch_subscriptions_total{kind="shared"} 1
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(expected), "anyfetch_subscriptions_total") == nil
	}, waitTimeout, tick)
}
