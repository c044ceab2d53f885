package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	Publish(b, JobFired, "j1")
	for i, ch := range []<-chan Event{a, c} {
		ev := <-ch
		if ev.Type != JobFired || ev.Data != "j1" {
			t.Fatalf("sub %d got %+v", i, ev)
		}
		if ev.Time.IsZero() {
			t.Fatalf("sub %d: event time not set", i)
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	Publish(b, JobFired, 1)
	Publish(b, JobFired, 2) // dropped, must not block
	if ev := <-ch; ev.Data != 1 {
		t.Fatalf("Data = %v, want 1", ev.Data)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	Publish(b, JobFired, nil)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	Publish(nil, JobFired, nil)
}
