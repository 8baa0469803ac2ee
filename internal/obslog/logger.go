// Package obslog implements ports.Logger as an append-only JSON-lines
// event sink, grounded on cuemby-warren's pkg/log (a package-level
// zerolog.Logger configured for either JSON or console output).
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrunner/internal/events"
	"github.com/aristath/taskrunner/internal/ports"
)

// Logger writes one JSON object per event to an underlying
// zerolog.Logger, and additionally republishes every event onto the
// teacher's in-process EventBus for any live consumer (metrics,
// a future UI) that wants events without tailing the log file.
type Logger struct {
	zl  zerolog.Logger
	bus *events.EventBus
}

// New creates a Logger writing newline-delimited JSON events to w (the
// run's `orchestrator.jsonl` file per spec.md §6.2), and publishing a
// Generic event for each entry onto bus (may be nil).
func New(w io.Writer, bus *events.EventBus) *Logger {
	if w == nil {
		w = os.Stdout
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{zl: zl, bus: bus}
}

var _ ports.Logger = (*Logger)(nil)

// Log writes one event line and republishes it on the event bus.
func (l *Logger) Log(eventType string, payload map[string]any) {
	evt := l.zl.Info().Str("type", eventType)
	for k, v := range payload {
		evt = evt.Interface(k, v)
	}
	evt.Msg(eventType)

	if l.bus == nil {
		return
	}

	taskID, _ := payload["task_id"].(string)
	l.bus.Publish(topicFor(eventType), events.NewEvent(eventType, taskID, payload, time.Now()))
}

// Close is a no-op: zerolog holds no handle beyond the io.Writer the
// caller owns and must close itself.
func (l *Logger) Close() error {
	return nil
}

func topicFor(eventType string) string {
	switch {
	case hasPrefix(eventType, "run."):
		return events.TopicRun
	case hasPrefix(eventType, "batch."):
		return events.TopicBatch
	case hasPrefix(eventType, "task."):
		return events.TopicTask
	case hasPrefix(eventType, "manifest.compliance."):
		return events.TopicCompliance
	case hasPrefix(eventType, "ledger."):
		return events.TopicLedger
	case hasPrefix(eventType, "budget."):
		return events.TopicBudget
	default:
		return events.TopicTask
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
