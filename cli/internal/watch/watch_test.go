package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCallsBackOnChange(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "mapping.csv")
	require.NoError(t, os.WriteFile(file, []byte("id,new_key\n1,B\n"), 0o644))

	var calls atomic.Int32
	w, err := NewWatcher(file, func() error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(file, []byte("id,new_key\n1,C\n"), 0o644))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunReportsCallbackErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "mapping.csv")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	w, err := NewWatcher(file, func() error { return assert.AnError })
	require.NoError(t, err)

	reported := make(chan error, 1)
	w.OnError = func(err error) { reported <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case err := <-reported:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(5 * time.Second):
		t.Fatal("callback error not reported")
	}
}
