package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	store, err := NewStore(filepath.Join(t.TempDir(), "logs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreQuery(t *testing.T) {
	store := newTestStore(t)

	entries := []Entry{
		{Level: LevelInfo, Time: 1000, Msg: "one", Src: "loop"},
		{Level: LevelError, Time: 2000, Msg: "two", Src: "presentation"},
		{Level: LevelDebug, Time: 3000, Msg: "three", Src: "loop"},
		{Level: LevelWarning, Time: 3000, Msg: "four", Src: "session"},
	}
	for _, entry := range entries {
		require.NoError(t, store.Save(entry))
	}

	// newest first.
	got, err := store.Query(Query{})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "four", got[0].Msg)
	require.Equal(t, "three", got[1].Msg)
	require.Equal(t, "one", got[3].Msg)

	// by severity.
	got, err = store.Query(Query{Level: LevelWarning})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "four", got[0].Msg)
	require.Equal(t, "two", got[1].Msg)

	// by source.
	got, err = store.Query(Query{Sources: []string{"loop"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "three", got[0].Msg)

	// by time.
	got, err = store.Query(Query{Before: 3000})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "two", got[0].Msg)

	// limited.
	got, err = store.Query(Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "four", got[0].Msg)
}

func TestSaveLogs(t *testing.T) {
	store := newTestStore(t)

	wg := &sync.WaitGroup{}
	logger := NewLogger(wg)

	ctx, cancel := context.WithCancel(context.Background())
	logger.Start(ctx)

	saved := make(chan struct{})
	go func() {
		store.SaveLogs(ctx, logger)
		close(saved)
	}()

	// resend until the subscription is registered and an entry lands.
	deadline := time.After(2 * time.Second)
	for {
		logger.Info().Src("app").Time(time.Unix(1, 0)).Msg("persisted")

		got, err := store.Query(Query{Limit: 1})
		require.NoError(t, err)
		if len(got) == 1 {
			require.Equal(t, "persisted", got[0].Msg)
			break
		}
		select {
		case <-deadline:
			t.Fatal("entry was not persisted")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	wg.Wait()
	<-saved
}
