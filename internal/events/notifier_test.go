package events

import (
	"sync"
	"testing"
	"time"
)

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(10)
	// Should not panic and should not block
	n.Publish(Event{Type: JobCreated, JobID: "job-1"})
}

func TestNotifier_SubscribeReceivesEvent(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe()

	n.Publish(Event{Type: PartialSubmitted, JobID: "job-1", ShardID: "s1"})

	select {
	case ev := <-sub.Ch:
		if ev.JobID != "job-1" || ev.ShardID != "s1" || ev.Type != PartialSubmitted {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Timestamp == 0 {
			t.Error("expected timestamp to be filled")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event within timeout")
	}
}

func TestNotifier_FilterByJobPrefix(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe("job-1")

	n.Publish(Event{Type: JobReduced, JobID: "job-2"})
	n.Publish(Event{Type: JobReduced, JobID: "job-1"})

	select {
	case ev := <-sub.Ch:
		if ev.JobID != "job-1" {
			t.Errorf("expected job-1, got %s", ev.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected matching event")
	}

	select {
	case ev := <-sub.Ch:
		t.Errorf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestNotifier_SubscribeJobMatchesExactly(t *testing.T) {
	n := NewNotifier(2)
	sub := n.SubscribeJob("job-1")

	// Enough events for longer IDs to fill the buffer if they matched.
	for _, id := range []string{"job-10", "job-11", "job-1x", "job-"} {
		n.Publish(Event{Type: JobReduced, JobID: id})
	}
	n.Publish(Event{Type: JobReduced, JobID: "job-1"})

	select {
	case ev := <-sub.Ch:
		if ev.JobID != "job-1" {
			t.Errorf("expected job-1, got %s", ev.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the job-1 event")
	}

	select {
	case ev := <-sub.Ch:
		t.Errorf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestNotifier_FullChannelDropsEvent(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe()

	n.Publish(Event{Type: JobCreated, JobID: "a"})
	n.Publish(Event{Type: JobCreated, JobID: "b"}) // dropped, must not block

	if got := len(sub.Ch); got != 1 {
		t.Errorf("expected 1 buffered event, got %d", got)
	}
	if ev := <-sub.Ch; ev.JobID != "a" {
		t.Errorf("expected first event to be kept, got %s", ev.JobID)
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe()

	n.Unsubscribe(sub.ID)
	if _, ok := <-sub.Ch; ok {
		t.Error("expected channel to be closed")
	}
	if n.Len() != 0 {
		t.Errorf("expected no subscribers, got %d", n.Len())
	}

	// Unsubscribing twice is a no-op
	n.Unsubscribe(sub.ID)
}

func TestNotifier_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	n := NewNotifier(1)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		sub := n.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n.Publish(Event{Type: PartialSubmitted, JobID: "job"})
			}
		}()
		go func() {
			defer wg.Done()
			n.Unsubscribe(sub.ID)
		}()
	}
	wg.Wait()
}
