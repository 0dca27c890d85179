package audio

import (
	"fmt"
	"sync"

	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// Fanout distributes captured frames to multiple named readers. Each reader
// gets its own buffered channel; a reader that falls behind has frames
// dropped rather than stalling the capture callback.
type Fanout struct {
	mu         sync.Mutex
	readers    map[string]chan Frame
	bufferLen  int
	closed     bool
	dropCounts map[string]int
	logger     *logger.Logger
}

// NewFanout creates a fanout with the given per-reader buffer length.
func NewFanout(bufferLen int, log *logger.Logger) *Fanout {
	if bufferLen <= 0 {
		bufferLen = 16
	}
	return &Fanout{
		readers:    make(map[string]chan Frame),
		bufferLen:  bufferLen,
		dropCounts: make(map[string]int),
		logger:     log.Named("fanout"),
	}
}

// CreateReader registers a reader under id and returns its channel.
func (f *Fanout) CreateReader(id string) (<-chan Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fmt.Errorf("fanout is closed")
	}
	if _, exists := f.readers[id]; exists {
		return nil, fmt.Errorf("reader %q already exists", id)
	}

	ch := make(chan Frame, f.bufferLen)
	f.readers[id] = ch
	return ch, nil
}

// RemoveReader unregisters a reader and closes its channel. Removing an
// unknown reader is a no-op.
func (f *Fanout) RemoveReader(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, exists := f.readers[id]
	if !exists {
		return
	}
	delete(f.readers, id)
	close(ch)
}

// Publish delivers a frame to every reader. Must not block: a full reader
// channel drops the frame for that reader only.
func (f *Fanout) Publish(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	for id, ch := range f.readers {
		select {
		case ch <- frame:
		default:
			f.dropCounts[id]++
			// Log at a coarse interval so a stuck reader doesn't flood the log.
			if f.dropCounts[id]%100 == 1 {
				f.logger.Warn("Reader falling behind, dropping frames",
					logger.String("reader", id),
					logger.Int("dropped_total", f.dropCounts[id]))
			}
		}
	}
}

// Close closes all reader channels. Idempotent.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.readers {
		delete(f.readers, id)
		close(ch)
	}
}

// DropCount reports how many frames were dropped for the given reader.
func (f *Fanout) DropCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropCounts[id]
}
