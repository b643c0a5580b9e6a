package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-fx-collector/internal/logger"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

var (
	eurDaily = models.WorkItem{
		Instrument: models.MustParseInstrument("EUR/USD"),
		Timeframe:  models.Timeframe{Label: "DAILY", BarSize: "1 day", Duration: "1 Y"},
	}
	gbp4h = models.WorkItem{
		Instrument: models.MustParseInstrument("GBP/USD"),
		Timeframe:  models.Timeframe{Label: "4H", BarSize: "4 hours", Duration: "1 M"},
	}
)

func bar(ts string, close float64) models.Bar {
	return models.Bar{Time: ts, Open: close, High: close + 0.01, Low: close - 0.01, Close: close}
}

func newTestCorrelator(opts ...Option) *Correlator {
	return New(logger.Discard(), opts...)
}

type recordingObserver struct {
	mu       sync.Mutex
	finished []Handle
}

func (r *recordingObserver) RequestFinished(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, h)
}

func TestRegister(t *testing.T) {
	c := newTestCorrelator()

	h, err := c.Register(10001, eurDaily)
	require.NoError(t, err)
	assert.Equal(t, StatePending, h.State)
	assert.Equal(t, eurDaily, h.Item)
	assert.Equal(t, 1, c.Pending())

	_, err = c.Register(10001, gbp4h)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestLifecycle_Complete(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestCorrelator(WithObserver(obs))
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)

	c.OnBar(10001, bar("20240102", 1.10))
	h, err := c.Snapshot(10001)
	require.NoError(t, err)
	assert.Equal(t, StateReceiving, h.State)

	c.OnBar(10001, bar("20240103", 1.11))
	c.OnBar(10001, bar("20240104", 1.12))
	c.OnRequestComplete(10001, "20230104", "20240104")

	h, err = c.AwaitCompletion(context.Background(), 10001, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, h.State)
	require.Len(t, h.Bars, 3)
	assert.Equal(t, []string{"20240102", "20240103", "20240104"}, []string{h.Bars[0].Time, h.Bars[1].Time, h.Bars[2].Time})
	assert.Equal(t, "20230104", h.RangeStart)
	assert.Equal(t, "20240104", h.RangeEnd)
	assert.False(t, h.Partial())
	assert.Zero(t, c.Pending())

	require.Len(t, obs.finished, 1)
	assert.Equal(t, StateComplete, obs.finished[0].State)
}

func TestLifecycle_EmptyCompletion(t *testing.T) {
	c := newTestCorrelator()
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)

	c.OnRequestComplete(10001, "", "")
	h, err := c.AwaitCompletion(context.Background(), 10001, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, h.State)
	assert.Empty(t, h.Bars)
}

func TestLifecycle_ErrorKeepsBars(t *testing.T) {
	c := newTestCorrelator()
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)

	c.OnBar(10001, bar("20240102", 1.10))
	c.OnError(10001, 162, "Historical Market Data Service error message:HMDS query returned no data")

	h, err := c.AwaitCompletion(context.Background(), 10001, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, h.State)
	assert.Equal(t, 162, h.ErrorCode)
	assert.Contains(t, h.ErrorMessage, "HMDS")
	assert.Len(t, h.Bars, 1)
	assert.True(t, h.Partial())
}

func TestAwaitCompletion_TimeoutKeepsPartialBars(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestCorrelator(WithObserver(obs))
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)

	c.OnBar(10001, bar("20240102", 1.10))
	c.OnBar(10001, bar("20240103", 1.11))

	start := time.Now()
	h, err := c.AwaitCompletion(context.Background(), 10001, 50*time.Millisecond)
	require.NoError(t, err, "a timeout is a state, not an error")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, StateTimedOut, h.State)
	assert.Len(t, h.Bars, 2)
	assert.True(t, h.Partial())
	require.Len(t, obs.finished, 1)

	t.Run("late events are dropped", func(t *testing.T) {
		c.OnBar(10001, bar("20240104", 1.12))
		c.OnRequestComplete(10001, "a", "b")
		c.OnError(10001, 200, "late")

		h, err := c.Snapshot(10001)
		require.NoError(t, err)
		assert.Equal(t, StateTimedOut, h.State)
		assert.Len(t, h.Bars, 2)
		assert.Empty(t, h.RangeEnd)
		assert.Zero(t, h.ErrorCode)
		assert.Len(t, obs.finished, 1)
	})

	t.Run("awaiting a terminal handle returns immediately", func(t *testing.T) {
		h, err := c.AwaitCompletion(context.Background(), 10001, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, StateTimedOut, h.State)
	})
}

func TestAwaitCompletion_PendingTimesOutEmpty(t *testing.T) {
	c := newTestCorrelator()
	_, err := c.Register(10002, gbp4h)
	require.NoError(t, err)

	h, err := c.AwaitCompletion(context.Background(), 10002, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, h.State)
	assert.Empty(t, h.Bars)
	assert.False(t, h.Partial())
}

func TestAwaitCompletion_UnknownAndCanceled(t *testing.T) {
	c := newTestCorrelator()

	_, err := c.AwaitCompletion(context.Background(), 424242, time.Second)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	_, err = c.Register(10001, eurDaily)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := c.AwaitCompletion(ctx, 10001, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatePending, h.State, "cancellation does not finish the handle")
}

func TestEventsForUnknownRequestsAreDropped(t *testing.T) {
	c := newTestCorrelator()
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)

	c.OnBar(99999, bar("20240102", 1.0))
	c.OnRequestComplete(99999, "", "")
	c.OnError(99999, 200, "no security definition")
	c.OnError(-1, 2104, "Market data farm connection is OK")

	h, err := c.Snapshot(10001)
	require.NoError(t, err)
	assert.Equal(t, StatePending, h.State)
	assert.Empty(t, h.Bars)
	assert.Equal(t, 1, c.Pending())
}

func TestConnectionStateDoesNotFinishHandles(t *testing.T) {
	c := newTestCorrelator()
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)

	c.OnConnectionState(true, "session established")
	connected, _ := c.Connected()
	assert.True(t, connected)

	c.OnConnectionState(false, "socket closed")
	connected, msg := c.Connected()
	assert.False(t, connected)
	assert.Equal(t, "socket closed", msg)

	h, err := c.Snapshot(10001)
	require.NoError(t, err)
	assert.Equal(t, StatePending, h.State)
}

func TestRelease(t *testing.T) {
	c := newTestCorrelator()
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)
	c.OnRequestComplete(10001, "", "")

	c.Release(10001)
	_, err = c.Snapshot(10001)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestSnapshotsAreCopies(t *testing.T) {
	c := newTestCorrelator()
	_, err := c.Register(10001, eurDaily)
	require.NoError(t, err)
	c.OnBar(10001, bar("20240102", 1.10))

	h, err := c.Snapshot(10001)
	require.NoError(t, err)
	h.Bars[0].Close = 99

	again, err := c.Snapshot(10001)
	require.NoError(t, err)
	assert.Equal(t, 1.10, again.Bars[0].Close)
}

// A dispatcher goroutine delivers interleaved events for many requests while
// every request is awaited concurrently.
func TestConcurrentDispatchAndAwait(t *testing.T) {
	c := newTestCorrelator()
	const requests = 20
	const barsPerRequest = 50

	for i := 0; i < requests; i++ {
		_, err := c.Register(int64(10001+i), eurDaily)
		require.NoError(t, err)
	}

	go func() {
		for b := 0; b < barsPerRequest; b++ {
			for i := 0; i < requests; i++ {
				c.OnBar(int64(10001+i), bar("t", float64(b)))
			}
		}
		for i := 0; i < requests; i++ {
			if i%5 == 4 {
				// Every fifth request never completes and must time out.
				continue
			}
			c.OnRequestComplete(int64(10001+i), "", "")
		}
	}()

	var wg sync.WaitGroup
	results := make([]Handle, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.AwaitCompletion(context.Background(), int64(10001+i), 500*time.Millisecond)
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}
	wg.Wait()

	for i, h := range results {
		if i%5 == 4 {
			assert.Equal(t, StateTimedOut, h.State, "request %d", h.ID)
			assert.Len(t, h.Bars, barsPerRequest)
			continue
		}
		assert.Equal(t, StateComplete, h.State, "request %d", h.ID)
		require.Len(t, h.Bars, barsPerRequest)
		for b, got := range h.Bars {
			assert.Equal(t, float64(b), got.Close, "bars keep arrival order")
		}
	}
	assert.Zero(t, c.Pending())
}
