package bus

import "testing"

func TestPublishPrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	missions := b.Subscribe("mission:")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(missions)

	b.Publish(TopicMissionFailed, "m1")
	b.Publish(TopicStepSucceeded, "s1")

	if got := len(all.Ch()); got != 2 {
		t.Fatalf("wildcard subscriber should see both events, got %d", got)
	}
	if got := len(missions.Ch()); got != 1 {
		t.Fatalf("prefixed subscriber should see one event, got %d", got)
	}
	ev := <-missions.Ch()
	if ev.Topic != TopicMissionFailed || ev.Payload != "m1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("x", i)
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Fatalf("slow consumer should cap at %d buffered events, got %d", defaultBufferSize, got)
	}
}
