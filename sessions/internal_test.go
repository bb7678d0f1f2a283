package sessions

import (
	"strings"
	"testing"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

func TestDefaultIDGenerator(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := DefaultIDGenerator.NewID("")
		if len(id) != idLength {
			t.Fatalf("unexpected id length %d for %q", len(id), id)
		}
		if strings.Trim(id, "0123456789abcdefghijklmnopqrstuvwxyz") != "" {
			t.Fatalf("id %q is not base 36", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestDefaultIDGeneratorHint(t *testing.T) {
	id := DefaultIDGenerator.NewID("web")
	if !strings.HasPrefix(id, "web_") || len(id) != len("web_")+idLength {
		t.Fatalf("unexpected hinted id %q", id)
	}
}

func TestWithIDGenerator(t *testing.T) {
	s := New(nil, WithIDGenerator(IDGeneratorFunc(func(hint string) string { return hint + "-fixed" })), WithIDHint("x"))
	if s.ID() != "x-fixed" {
		t.Fatalf("unexpected id %q", s.ID())
	}
}

// A racing lazy timer must not flush after the slot was cancelled.
func TestStaleLazyFireIgnored(t *testing.T) {
	s := New(nil)
	sch := &countingScheduler{}
	s.SetScheduler(sch)

	s.mu.Lock()
	s.lazy.timer = noopTimer{}
	gen := s.lazy.gen
	s.lazy.cancel()
	s.mu.Unlock()

	s.fireLazy(gen)
	if sch.n != 0 {
		t.Fatalf("stale fire scheduled %d times", sch.n)
	}
}

func TestEnqueueResult(t *testing.T) {
	s := New(nil)
	m := func() *bayeux.Message { return bayeux.NewMessage("/a", nil) }

	if got := s.enqueue(nil, m()); got != enqueueWakeup {
		t.Fatalf("expected wakeup outside batch, got %d", got)
	}
	s.StartBatch()
	if got := s.enqueue(nil, m()); got != enqueueQueued {
		t.Fatalf("expected queued inside batch, got %d", got)
	}
	s.SetMaxQueue(1)
	s.AddListener(MaxQueueListenerFunc(func(*Session, *MessageQueue, *Session, *bayeux.Message) bool { return false }))
	if got := s.enqueue(nil, m()); got != enqueueDropped {
		t.Fatalf("expected dropped, got %d", got)
	}
}

type countingScheduler struct{ n int }

func (c *countingScheduler) Schedule() { c.n++ }
func (c *countingScheduler) Cancel()   {}
func (c *countingScheduler) Destroy()  {}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }
