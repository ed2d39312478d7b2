package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsguard/rs-guard/internal/watcher"
)

func TestCreateModifyDebounce(t *testing.T) {
	root := t.TempDir()
	w, err := watcher.New([]string{root}, 50*time.Millisecond, 16)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(root, "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("v2-longer"), 0o644))

	select {
	case ev := <-w.Events():
		require.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a debounced event")
	}
}

func TestRenameWithinWatchedRootEmitsRenameEvent(t *testing.T) {
	root := t.TempDir()
	w, err := watcher.New([]string{root}, 50*time.Millisecond, 16)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	oldPath := filepath.Join(root, "old.bin")
	newPath := filepath.Join(root, "new.bin")
	require.NoError(t, os.WriteFile(oldPath, []byte("v1"), 0o644))

	// Drain the Create event the write above produces before renaming,
	// so it isn't mistaken for the rename's pairing below.
	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the initial Create event")
	}

	require.NoError(t, os.Rename(oldPath, newPath))

	select {
	case ev := <-w.Events():
		require.Equal(t, watcher.Rename, ev.Kind)
		require.Equal(t, newPath, ev.Path)
		require.Equal(t, oldPath, ev.OldPath)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a paired Rename event for a move within watched territory")
	}
}

func TestRenameOutOfWatchedRootFallsBackToDelete(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	w, err := watcher.New([]string{root}, 20*time.Millisecond, 16)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	oldPath := filepath.Join(root, "gone.bin")
	require.NoError(t, os.WriteFile(oldPath, []byte("v1"), 0o644))

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the initial Create event")
	}

	require.NoError(t, os.Rename(oldPath, filepath.Join(outside, "gone.bin")))

	select {
	case ev := <-w.Events():
		require.Equal(t, watcher.Delete, ev.Kind)
		require.Equal(t, oldPath, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the unpaired rename to resolve to a Delete")
	}
}

func TestWalkSynthesizesCreateAndModify(t *testing.T) {
	root := t.TempDir()
	unchanged := filepath.Join(root, "unchanged.bin")
	changed := filepath.Join(root, "changed.bin")
	fresh := filepath.Join(root, "fresh.bin")

	require.NoError(t, os.WriteFile(unchanged, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(changed, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))

	infoUnchanged, err := os.Stat(unchanged)
	require.NoError(t, err)
	infoChanged, err := os.Stat(changed)
	require.NoError(t, err)

	known := map[string]watcher.KnownFile{
		unchanged: {Size: infoUnchanged.Size(), ModTime: infoUnchanged.ModTime().UnixNano()},
		changed:   {Size: infoChanged.Size() + 1, ModTime: infoChanged.ModTime().UnixNano()},
	}

	var events []watcher.Event
	require.NoError(t, watcher.Walk(root, known, func(ev watcher.Event) {
		events = append(events, ev)
	}))

	var sawFresh, sawChanged, sawUnchanged bool
	for _, ev := range events {
		switch ev.Path {
		case fresh:
			sawFresh = ev.Kind == watcher.Create
		case changed:
			sawChanged = ev.Kind == watcher.Modify
		case unchanged:
			sawUnchanged = true
		}
	}
	require.True(t, sawFresh, "fresh file should synthesize a Create")
	require.True(t, sawChanged, "changed file should synthesize a Modify")
	require.False(t, sawUnchanged, "unchanged file should not synthesize an event")
}
