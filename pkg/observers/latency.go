package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxrelay/pkg/metrics"
)

// LatencyObserver logs one summary line per speak request: time to first
// audio, the winning source and how many results the gate discarded.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	sessionID string
	requested time.Time
	firstByte time.Time
	source    string
	dropped   int
	watchdog  bool
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.Name == metrics.EventSessionClose {
		o.flushSessionLocked(ev.Tags["session_id"])
		return
	}

	raceID := ev.Tags["race_id"]
	if raceID == "" {
		return
	}
	switch ev.Name {
	case metrics.EventSpeakRequest:
		// A new request in the same session supersedes the previous one.
		o.flushSessionLocked(ev.Tags["session_id"])
		o.traces[raceID] = &trace{sessionID: ev.Tags["session_id"], requested: ev.Time}
	case metrics.EventRaceWon:
		if t := o.traces[raceID]; t != nil && t.firstByte.IsZero() {
			t.firstByte = ev.Time
			t.source = ev.Tags["source"]
		}
	case metrics.EventAudioDropped:
		if t := o.traces[raceID]; t != nil {
			t.dropped++
		}
	case metrics.EventRaceWatchdog:
		if t := o.traces[raceID]; t != nil {
			t.watchdog = true
		}
	}
}

func (o *LatencyObserver) flushSessionLocked(sessionID string) {
	if sessionID == "" {
		return
	}
	for id, t := range o.traces {
		if t.sessionID != sessionID {
			continue
		}
		o.log.Info("latency",
			"session_id", t.sessionID,
			"race_id", id,
			"winner", t.source,
			"first_audio_ms", durationMs(t.requested, t.firstByte),
			"dropped", t.dropped,
			"watchdog_fired", t.watchdog,
		)
		delete(o.traces, id)
	}
}

// Pending returns the number of requests still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
