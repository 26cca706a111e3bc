package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_RunsImmediatelyWithEmptyWindow(t *testing.T) {
	l := NewLimiter(nil)

	ran := false
	err := l.Do(context.Background(), "ext-a|image.created", Window{}, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestDo_EnforcesSlidingWindow(t *testing.T) {
	l := NewLimiter(nil)
	w := Window{Duration: 60 * time.Millisecond, MaxCount: 1}

	start := time.Now()
	for i := 0; i < 3; i++ {
		err := l.Do(context.Background(), "ext-a|image.runCommand", w, func() error { return nil })
		require.NoError(t, err)
	}
	// Three deliveries at one-per-60ms: the second waits ~60ms, the
	// third another ~60ms.
	require.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestDo_FIFOPerKey(t *testing.T) {
	l := NewLimiter(nil)

	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Do(context.Background(), "k", Window{}, func() error {
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			<-release
			return nil
		})
	}()

	// Give the first delivery time to reach its fn and hold the queue.
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Do(context.Background(), "k", Window{}, func() error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// Stagger enqueue so FIFO order is well-defined.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestDo_IndependentKeys(t *testing.T) {
	l := NewLimiter(nil)

	blocked := make(chan struct{})
	go l.Do(context.Background(), "a", Window{}, func() error {
		<-blocked
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	// A delivery on a different key must not queue behind key "a".
	done := make(chan struct{})
	go func() {
		l.Do(context.Background(), "b", Window{}, func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery on key b queued behind key a")
	}
	close(blocked)
}

func TestDo_ContextCancelWhileQueued(t *testing.T) {
	l := NewLimiter(nil)

	release := make(chan struct{})
	go l.Do(context.Background(), "k", Window{}, func() error {
		<-release
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Do(ctx, "k", Window{}, func() error {
			t.Error("fn must not run after cancellation")
			return nil
		})
	}()

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled delivery never returned")
	}
	close(release)
}

func TestDo_AckGatesNextDelivery(t *testing.T) {
	l := NewLimiter(nil)

	acked := make(chan struct{})
	secondStarted := make(chan struct{})

	go l.Do(context.Background(), "k", Window{}, func() error {
		// Simulate a delivery whose acknowledgment has not yet arrived.
		<-acked
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	go l.Do(context.Background(), "k", Window{}, func() error {
		close(secondStarted)
		return nil
	})

	select {
	case <-secondStarted:
		t.Fatal("second delivery started before the first was acknowledged")
	case <-time.After(50 * time.Millisecond):
	}

	close(acked)
	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("second delivery never ran after acknowledgment")
	}
}
