package log

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	wg := &sync.WaitGroup{}
	logger := NewLogger(wg)

	ctx, cancel := context.WithCancel(context.Background())
	logger.Start(ctx)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return logger
}

func TestLoggerFanout(t *testing.T) {
	logger := newTestLogger(t)

	feed1, cancel1 := logger.Subscribe()
	feed2, cancel2 := logger.Subscribe()
	defer cancel2()

	go logger.Error().
		Src("loop").
		Pres("rtsp://h/a").
		Time(time.Unix(10, 0)).
		Msgf("failed %d times", 3)

	want := Entry{
		Level: LevelError,
		Time:  UnixMillisecond(10000),
		Msg:   "failed 3 times",
		Src:   "loop",
		Pres:  "rtsp://h/a",
	}
	require.Equal(t, want, <-feed1)
	require.Equal(t, want, <-feed2)

	cancel1()

	go logger.Info().Src("app").Msg("only two")
	got := <-feed2
	require.Equal(t, "only two", got.Msg)
	require.Equal(t, LevelInfo, got.Level)
	require.NotZero(t, got.Time)
}

func TestLoggerCanceledContext(t *testing.T) {
	wg := &sync.WaitGroup{}
	logger := NewLogger(wg)

	ctx, cancel := context.WithCancel(context.Background())
	logger.Start(ctx)
	cancel()
	wg.Wait()

	// sends and subscriptions after shutdown do not block.
	logger.Debug().Msg("dropped")
	feed, cancelSub := logger.Subscribe()
	cancelSub()
	_, ok := <-feed
	require.False(t, ok)
}
