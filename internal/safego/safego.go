// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/laasy/corptravel/internal/telemetry"
)

// Go launches fn in a new goroutine under the given task name. A panic is recovered,
// logged with its stack, and counted in background_task_panics_total instead of
// crashing the process.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				telemetry.BackgroundPanicsTotal.WithLabelValues(task).Inc()
				slog.Error("recovered panic in background goroutine",
					"task", task, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
