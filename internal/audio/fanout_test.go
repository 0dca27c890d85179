package audio

import (
	"testing"
	"time"

	"github.com/kfurukawa/voicebridge/pkg/logger"
)

func testFrame(value float32) Frame {
	return Frame{
		Samples:    []float32{value},
		SampleRate: 16000,
		Timestamp:  time.Now(),
	}
}

func TestFanoutDeliversToAllReaders(t *testing.T) {
	f := NewFanout(4, logger.NewNop())

	a, err := f.CreateReader("a")
	if err != nil {
		t.Fatalf("Failed to create reader a: %v", err)
	}
	b, err := f.CreateReader("b")
	if err != nil {
		t.Fatalf("Failed to create reader b: %v", err)
	}

	f.Publish(testFrame(0.1))
	f.Publish(testFrame(0.2))

	for _, ch := range []<-chan Frame{a, b} {
		first := <-ch
		second := <-ch
		if first.Samples[0] != 0.1 || second.Samples[0] != 0.2 {
			t.Errorf("Frames out of order: %f, %f", first.Samples[0], second.Samples[0])
		}
	}
}

func TestFanoutDuplicateReader(t *testing.T) {
	f := NewFanout(4, logger.NewNop())

	if _, err := f.CreateReader("a"); err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	if _, err := f.CreateReader("a"); err == nil {
		t.Error("Expected error creating duplicate reader")
	}
}

func TestFanoutSlowReaderDropsWithoutBlocking(t *testing.T) {
	f := NewFanout(2, logger.NewNop())

	slow, err := f.CreateReader("slow")
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	// Fill the buffer and keep publishing; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			f.Publish(testFrame(float32(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full reader channel")
	}

	if got := f.DropCount("slow"); got != 8 {
		t.Errorf("DropCount = %d, want 8", got)
	}

	// The buffered frames are the oldest two.
	first := <-slow
	if first.Samples[0] != 0 {
		t.Errorf("First buffered frame = %f, want 0", first.Samples[0])
	}
}

func TestFanoutRemoveReader(t *testing.T) {
	f := NewFanout(4, logger.NewNop())

	ch, err := f.CreateReader("a")
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	f.RemoveReader("a")
	if _, ok := <-ch; ok {
		t.Error("Removed reader's channel not closed")
	}

	// Removing again, or removing an unknown id, is a no-op.
	f.RemoveReader("a")
	f.RemoveReader("unknown")

	// The id can be reused.
	if _, err := f.CreateReader("a"); err != nil {
		t.Errorf("Failed to recreate reader after removal: %v", err)
	}
}

func TestFanoutClose(t *testing.T) {
	f := NewFanout(4, logger.NewNop())

	ch, err := f.CreateReader("a")
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	f.Close()
	f.Close()

	if _, ok := <-ch; ok {
		t.Error("Reader channel not closed on Close")
	}

	// Publishing after close is a silent no-op.
	f.Publish(testFrame(0.5))

	if _, err := f.CreateReader("b"); err == nil {
		t.Error("Expected error creating reader on closed fanout")
	}
}

func TestFrameDuration(t *testing.T) {
	frame := Frame{Samples: make([]float32, 4096), SampleRate: 16000}
	want := 256 * time.Millisecond
	if got := frame.Duration(); got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}

	if got := (Frame{Samples: make([]float32, 10)}).Duration(); got != 0 {
		t.Errorf("Duration with zero sample rate = %v, want 0", got)
	}
}
