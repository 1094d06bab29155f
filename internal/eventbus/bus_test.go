package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.SubscribePrefix("task.", 4)
	defer unsubTasks()

	b.Publish(Event{Type: TaskStarted, Data: "a.b"})
	b.Publish(Event{Type: WorkerSpawned})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(tasks); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-tasks
	if e.Type != TaskStarted || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "after-close"})
}
