package heartbeat

import (
	"sync/atomic"
	"testing"
	"time"

	"meshnode/internal/peer"
)

type fakeSource struct {
	calls atomic.Int32
}

func (f *fakeSource) All() []*peer.Connection {
	f.calls.Add(1)
	return nil
}

func TestMonitorTicksUntilStopped(t *testing.T) {
	src := &fakeSource{}
	m := New(src, 10*time.Millisecond)
	m.Start()

	deadline := time.Now().Add(time.Second)
	for src.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if src.calls.Load() < 3 {
		t.Fatalf("All() called %d times in 1s, want at least 3", src.calls.Load())
	}

	m.Stop()
	afterStop := src.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if src.calls.Load() > afterStop+1 {
		t.Error("monitor kept ticking after Stop")
	}
}
