package events

import (
	"testing"
	"time"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("stream closed after %d events, want %d", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsDenseSequence(t *testing.T) {
	b := NewBus()
	for i := 0; i < 5; i++ {
		if seq := b.Publish("t1", TypeIteration, nil); seq != i {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}
	// a second task counts from zero independently
	if seq := b.Publish("t2", TypeTaskStart, nil); seq != 0 {
		t.Errorf("t2 seq = %d, want 0", seq)
	}
}

func TestSubscribeLive(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("t1", 0)
	defer sub.Close()

	b.Publish("t1", TypeTaskStart, map[string]any{"objective": "x"})
	b.Publish("t1", TypeAgentStart, map[string]any{"agent": "research"})

	got := collect(t, sub, 2)
	if got[0].Type != TypeTaskStart || got[1].Type != TypeAgentStart {
		t.Errorf("types = %v %v", got[0].Type, got[1].Type)
	}
	if got[0].Seq != 0 || got[1].Seq != 1 {
		t.Errorf("seqs = %d %d", got[0].Seq, got[1].Seq)
	}
}

func TestReplayThenLive(t *testing.T) {
	b := NewBus()
	for i := 0; i < 4; i++ {
		b.Publish("t1", TypeIteration, map[string]any{"i": i})
	}

	sub := b.Subscribe("t1", 2)
	defer sub.Close()
	b.Publish("t1", TypeComplete, nil)

	got := collect(t, sub, 3)
	for i, ev := range got {
		if ev.Seq != 2+i {
			t.Fatalf("event %d has seq %d, want %d (no gaps, no repeats)", i, ev.Seq, 2+i)
		}
	}
	if got[2].Type != TypeComplete {
		t.Errorf("last type = %v", got[2].Type)
	}
}

func TestSlowSubscriberSeesEverything(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("t1", 0)
	defer sub.Close()

	// overflow the delivery buffer before reading anything
	const total = 200
	for i := 0; i < total; i++ {
		b.Publish("t1", TypeIteration, map[string]any{"i": i})
	}

	got := collect(t, sub, total)
	for i, ev := range got {
		if ev.Seq != i {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("t1", 0) // never read
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish("t1", TypeIteration, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on unread subscriber")
	}
}

func TestCloseTaskDrainsThenCloses(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("t1", 0)

	b.Publish("t1", TypeTaskStart, nil)
	b.Publish("t1", TypeComplete, nil)
	b.CloseTask("t1")

	got := collect(t, sub, 2)
	if got[1].Type != TypeComplete {
		t.Errorf("last = %v", got[1].Type)
	}
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("unexpected event after close")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel not closed after task close")
	}
}

func TestPublishAfterCloseDropped(t *testing.T) {
	b := NewBus()
	b.Publish("t1", TypeTaskStart, nil)
	b.CloseTask("t1")
	if seq := b.Publish("t1", TypeIteration, nil); seq != -1 {
		t.Errorf("seq = %d, want -1 for dropped event", seq)
	}
	if got := b.History("t1", 0); len(got) != 1 {
		t.Errorf("history = %d events, want 1", len(got))
	}
}

func TestReplayAfterTaskClosed(t *testing.T) {
	b := NewBus()
	b.Publish("t1", TypeTaskStart, nil)
	b.Publish("t1", TypeComplete, nil)
	b.CloseTask("t1")

	// a late observer still gets the full replay, then a clean close
	sub := b.Subscribe("t1", 0)
	got := collect(t, sub, 2)
	if got[0].Seq != 0 || got[1].Seq != 1 {
		t.Errorf("seqs = %d %d", got[0].Seq, got[1].Seq)
	}
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("unexpected extra event")
		}
	case <-time.After(2 * time.Second):
		t.Error("late subscription never closed")
	}
}

func TestIndependentTaskStreams(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe("t1", 0)
	s2 := b.Subscribe("t2", 0)
	defer s1.Close()
	defer s2.Close()

	b.Publish("t1", TypeTaskStart, nil)
	b.Publish("t2", TypeTaskStart, nil)
	b.Publish("t1", TypeComplete, nil)

	got1 := collect(t, s1, 2)
	got2 := collect(t, s2, 1)
	for _, ev := range got1 {
		if ev.TaskID != "t1" {
			t.Errorf("t1 stream got %s event", ev.TaskID)
		}
	}
	if got2[0].TaskID != "t2" || got2[0].Seq != 0 {
		t.Errorf("t2 stream got %+v", got2[0])
	}
}

func TestDropDetachesSubscribers(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("t1", 0)
	b.Publish("t1", TypeTaskStart, nil)
	collect(t, sub, 1)

	b.Drop("t1")
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("unexpected event after drop")
		}
	case <-time.After(2 * time.Second):
		t.Error("subscription not closed by drop")
	}
	if got := b.History("t1", 0); got != nil {
		t.Errorf("history survived drop: %v", got)
	}
}

func TestHistoryBoundedPerTask(t *testing.T) {
	b := NewBus()
	const total = maxHist + 50
	for i := 0; i < total; i++ {
		if seq := b.Publish("t1", TypeIteration, nil); seq != i {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}

	hist := b.History("t1", 0)
	if len(hist) != maxHist {
		t.Fatalf("retained %d events, want %d", len(hist), maxHist)
	}
	if first := hist[0].Seq; first != total-maxHist {
		t.Errorf("oldest retained seq = %d, want %d", first, total-maxHist)
	}
	if last := hist[len(hist)-1].Seq; last != total-1 {
		t.Errorf("newest seq = %d, want %d", last, total-1)
	}

	// replay from a trimmed position resumes at the oldest retained event
	sub := b.Subscribe("t1", 0)
	defer sub.Close()
	got := collect(t, sub, 1)
	if got[0].Seq != total-maxHist {
		t.Errorf("replay starts at seq %d, want %d", got[0].Seq, total-maxHist)
	}
}
