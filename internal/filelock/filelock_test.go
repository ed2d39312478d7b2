package filelock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsguard/rs-guard/internal/filelock"
)

func TestMutualExclusionPerFile(t *testing.T) {
	m := filelock.New()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := m.Lock("same-file")
			defer u.Unlock()
			cur := counter
			time.Sleep(time.Microsecond)
			counter = cur + 1
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestDistinctFilesDoNotBlockEachOther(t *testing.T) {
	m := filelock.New()
	uA := m.Lock("a")
	defer uA.Unlock()

	done := make(chan struct{})
	go func() {
		uB := m.Lock("b")
		defer uB.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on file b should not block behind file a's lock")
	}
}

func TestPendingReencodeFlag(t *testing.T) {
	m := filelock.New()
	u := m.Lock("f")
	require.False(t, u.TakePendingReencode())
	m.SetPendingReencode("f")
	require.True(t, u.TakePendingReencode())
	require.False(t, u.TakePendingReencode())
	u.Unlock()
}

func TestSetPendingReencodeWhileLockedByOther(t *testing.T) {
	m := filelock.New()
	u := m.Lock("f")

	done := make(chan struct{})
	go func() {
		m.SetPendingReencode("f")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetPendingReencode must not block behind the work lock")
	}

	require.True(t, u.TakePendingReencode())
	u.Unlock()
}

func TestTryLock(t *testing.T) {
	m := filelock.New()
	u := m.Lock("f")
	_, ok := m.TryLock("f")
	require.False(t, ok)
	u.Unlock()

	u2, ok := m.TryLock("f")
	require.True(t, ok)
	u2.Unlock()
}
