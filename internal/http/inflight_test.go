package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// TestInFlightTracker_ConcurrentRenders drives parallel requests through MetricsMiddleware and
// checks the count returns to zero once every render finishes.
func TestInFlightTracker_ConcurrentRenders(t *testing.T) {
	inflight := NewInFlightTracker()
	release := make(chan struct{})
	started := make(chan struct{}, 8)

	router := mux.NewRouter()
	router.Use(MetricsMiddleware(inflight))
	router.HandleFunc("/widgets/{id}", func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
	})

	var wg sync.WaitGroup
	for i := 0; i < cap(started); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/widgets/london-home", nil))
		}()
	}
	for i := 0; i < cap(started); i++ {
		<-started
	}
	if got := inflight.Count(); got != int64(cap(started)) {
		t.Errorf("Count() with blocked renders = %d, want %d", got, cap(started))
	}

	close(release)
	wg.Wait()
	if got := inflight.Count(); got != 0 {
		t.Errorf("Count() after renders = %d, want 0", got)
	}
}

// TestInFlightTracker_WaitForZeroDuringDrain mirrors shutdown: WaitForZero blocks while a render
// is still running and returns nil once it completes.
func TestInFlightTracker_WaitForZeroDuringDrain(t *testing.T) {
	inflight := NewInFlightTracker()
	inflight.Increment()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- inflight.WaitForZero(ctx, time.Millisecond) }()

	select {
	case err := <-result:
		t.Fatalf("WaitForZero returned %v with a render still in flight", err)
	case <-time.After(20 * time.Millisecond):
	}

	inflight.Decrement()
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("WaitForZero() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForZero did not return after the last render finished")
	}
}

func TestInFlightTracker_WaitForZeroGivesUp(t *testing.T) {
	inflight := NewInFlightTracker()
	inflight.Increment()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := inflight.WaitForZero(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForZero() = %v, want deadline exceeded", err)
	}
	if got := inflight.Count(); got != 1 {
		t.Errorf("Count() = %d, want the stuck render still counted", got)
	}
}

func TestInFlightTracker_IdleReturnsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// zero is checked before the context, so an idle server drains even with an expired deadline
	if err := NewInFlightTracker().WaitForZero(ctx, time.Hour); err != nil {
		t.Errorf("WaitForZero() on idle tracker = %v, want nil", err)
	}
}
