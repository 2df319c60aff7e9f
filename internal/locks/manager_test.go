package locks

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

func TestManager_SerializesConversation(t *testing.T) {
	m := NewManager(10)
	ctx := context.Background()

	release1, err := m.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	acquired := make(chan func(), 1)
	go func() {
		release2, err := m.Acquire(ctx, "conv-1")
		if err != nil {
			t.Errorf("failed to acquire: %v", err)
			return
		}
		acquired <- release2
	}()

	// The second request queues behind the holder.
	waitFor(t, func() bool {
		return m.Stats().PerConversationQueueDepth["conv-1"] == 1
	}, "second request queued")

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case release2 := <-acquired:
		release2()
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestManager_ParallelAcrossConversations(t *testing.T) {
	m := NewManager(10)
	ctx := context.Background()

	var releases []func()
	for _, id := range []string{"a", "b", "c"} {
		release, err := m.Acquire(ctx, id)
		if err != nil {
			t.Fatalf("failed to acquire %s: %v", id, err)
		}
		releases = append(releases, release)
	}

	if got := m.Stats().Active; got != 3 {
		t.Fatalf("expected 3 active, got %d", got)
	}
	for _, release := range releases {
		release()
	}
	if got := m.Stats().Active; got != 0 {
		t.Fatalf("expected 0 active after release, got %d", got)
	}
}

func TestManager_GlobalCap(t *testing.T) {
	m := NewManager(2)
	ctx := context.Background()

	release1, _ := m.Acquire(ctx, "a")
	release2, _ := m.Acquire(ctx, "b")

	acquired := make(chan func(), 1)
	go func() {
		release3, err := m.Acquire(ctx, "c")
		if err != nil {
			t.Errorf("failed to acquire: %v", err)
			return
		}
		acquired <- release3
	}()

	waitFor(t, func() bool { return m.Stats().QueuedGlobal == 1 }, "third request queued on global cap")

	select {
	case <-acquired:
		t.Fatal("third acquire exceeded the global cap")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case release3 := <-acquired:
		stats := m.Stats()
		if stats.Active != 2 || stats.QueuedGlobal != 0 {
			t.Fatalf("unexpected stats after promotion: %+v", stats)
		}
		release3()
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire never got the freed slot")
	}
	release2()
}

func TestManager_FIFOWithinConversation(t *testing.T) {
	m := NewManager(10)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Launch waiters one at a time, confirming each is queued before
	// launching the next, so enqueue order is deterministic.
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.Acquire(ctx, "conv-1")
			if err != nil {
				t.Errorf("failed to acquire: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		waitFor(t, func() bool {
			return m.Stats().PerConversationQueueDepth["conv-1"] >= i
		}, "waiter queued")
	}

	release()
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected FIFO order [1 2 3], got %v", order)
	}
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	m := NewManager(1)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	release()
	release() // must not panic or double-free the slot

	// The slot is usable again, exactly once.
	release2, err := m.Acquire(ctx, "conv-2")
	if err != nil {
		t.Fatalf("failed to acquire after double release: %v", err)
	}
	defer release2()

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(blocked, "conv-3"); err == nil {
		t.Fatal("expected the single slot to still be held")
	}
}

func TestManager_ContextCancelWhileQueued(t *testing.T) {
	m := NewManager(10)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	cancelable, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(cancelable, "conv-1")
		errCh <- err
	}()

	waitFor(t, func() bool {
		return m.Stats().PerConversationQueueDepth["conv-1"] == 1
	}, "waiter queued")
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	// The abandoned waiter leaves no queue residue.
	waitFor(t, func() bool {
		return m.Stats().PerConversationQueueDepth["conv-1"] == 0
	}, "queue drained after cancel")

	release()

	m.mu.Lock()
	remaining := len(m.entries)
	m.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected idle entries removed, %d remain", remaining)
	}
}
