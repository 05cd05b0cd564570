package safego

import (
	"testing"
	"time"

	"github.com/laasy/corptravel/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func waitOrFail(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete within timeout")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("test-run", func() { close(done) })
	waitOrFail(t, done)
}

func TestGo_RecoversPanicAndCounts(t *testing.T) {
	counter := telemetry.BackgroundPanicsTotal.WithLabelValues("test-panic")
	before := testutil.ToFloat64(counter)

	done := make(chan struct{})
	Go("test-panic", func() {
		defer close(done)
		panic("intentional panic in test")
	})
	waitOrFail(t, done)

	// the deferred recover runs after fn's own defers; poll briefly for the increment
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(counter) == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(counter); got-before != 1 {
		t.Errorf("panic counter delta = %.0f, want 1", got-before)
	}
}
