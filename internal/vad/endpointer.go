package vad

import (
	"sync"
	"time"

	"github.com/kfurukawa/voicebridge/internal/config"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// DefaultPollInterval is how often an armed endpointer evaluates the
// silence timer. Polling against a monotonically advancing last-voice
// timestamp avoids the drift of rescheduling short-lived timers and keeps
// the firing rule directly testable.
const DefaultPollInterval = 500 * time.Millisecond

// Endpointer fires a callback after a configurable quiet interval. It is a
// two-state machine: Idle until Start, Armed until Stop. Firing is a
// transient action taken from Armed, never a persisted state.
type Endpointer struct {
	mu           sync.Mutex
	thresholdMs  int
	pollInterval time.Duration
	lastVoice    time.Time
	armed        bool
	callback     func()
	stopCh       chan struct{}
	logger       *logger.Logger

	// now is swapped out by tests for deterministic timing.
	now func() time.Time
}

// NewEndpointer creates an idle endpointer. The threshold is clamped to the
// supported range.
func NewEndpointer(thresholdMs int, pollInterval time.Duration, log *logger.Logger) *Endpointer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Endpointer{
		thresholdMs:  config.ClampSilenceThreshold(thresholdMs),
		pollInterval: pollInterval,
		logger:       log.Named("endpointer"),
		now:          time.Now,
	}
}

// Start arms the endpointer: the silence clock begins at now and the poll
// loop runs until Stop. Starting an already armed endpointer restarts it
// with the new callback.
func (e *Endpointer) Start(callback func()) {
	e.Stop()

	e.mu.Lock()
	e.lastVoice = e.now()
	e.callback = callback
	e.armed = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	e.logger.Debug("Endpointer armed", logger.Int("threshold_ms", e.Threshold()))

	go e.pollLoop(stopCh)
}

// pollLoop evaluates the silence timer at a fixed cadence until stopped.
func (e *Endpointer) pollLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if fire := e.evaluate(e.now()); fire != nil {
				fire()
			}
		}
	}
}

// evaluate applies the firing rule at the given instant. When the quiet
// interval has elapsed it returns the callback to invoke (exactly once) and
// resets the clock so a voice frame is required before the next firing;
// otherwise it returns nil.
func (e *Endpointer) evaluate(now time.Time) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.armed {
		return nil
	}

	threshold := time.Duration(e.thresholdMs) * time.Millisecond
	if now.Sub(e.lastVoice) < threshold {
		return nil
	}

	// Reset before firing: continued silence fires again only after
	// another full quiet interval.
	e.lastVoice = now
	return e.callback
}

// NoteVoice records voice activity at the current instant, resetting the
// silence clock. No-op while idle.
func (e *Endpointer) NoteVoice() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.armed {
		return
	}
	e.lastVoice = e.now()
}

// Stop disarms the endpointer and clears the callback reference. Safe to
// call from any state, including before Start and repeatedly.
func (e *Endpointer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.armed {
		return
	}
	e.armed = false
	e.callback = nil
	close(e.stopCh)
	e.stopCh = nil

	e.logger.Debug("Endpointer disarmed")
}

// SetThreshold updates the quiet interval, clamped to [500, 5000] ms. Takes
// effect on the next evaluation without a restart.
func (e *Endpointer) SetThreshold(ms int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholdMs = config.ClampSilenceThreshold(ms)
}

// Threshold returns the current quiet interval in milliseconds.
func (e *Endpointer) Threshold() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholdMs
}

// Armed reports whether the endpointer is currently armed.
func (e *Endpointer) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed
}
