// Package events provides an in-process bus for job lifecycle events, used
// to wake clients waiting on a job result.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of job event.
type EventType int

const (
	JobCreated EventType = iota
	PartialSubmitted
	JobReduced
	JobDeleted
)

func (t EventType) String() string {
	switch t {
	case JobCreated:
		return "job_created"
	case PartialSubmitted:
		return "partial_submitted"
	case JobReduced:
		return "job_reduced"
	case JobDeleted:
		return "job_deleted"
	}
	return "unknown"
}

// Event describes one change to a job.
type Event struct {
	Type      EventType
	JobID     string
	ShardID   string // set for PartialSubmitted
	Timestamp int64
}

// Notifier fans events out to subscribers.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

// Subscriber receives events whose job ID matches one of its filters.
// Filters are prefixes unless Exact is set.
type Subscriber struct {
	ID      string
	Filters []string
	Exact   bool
	Ch      chan Event
}

// NewNotifier creates a new notifier. bufferSize is the channel capacity of
// each subscriber.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all matching subscribers. Non-blocking: if a
// subscriber's channel is full the event is dropped for that subscriber.
func (n *Notifier) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subscribers {
		if !sub.matches(ev.JobID) {
			continue
		}
		select {
		case sub.Ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber. Filters are job ID prefixes; no filters
// (or an empty filter) receives everything.
func (n *Notifier) Subscribe(filters ...string) *Subscriber {
	return n.add(&Subscriber{Filters: filters})
}

// SubscribeJob registers a subscriber for the events of exactly one job.
func (n *Notifier) SubscribeJob(jobID string) *Subscriber {
	return n.add(&Subscriber{Filters: []string{jobID}, Exact: true})
}

func (n *Notifier) add(sub *Subscriber) *Subscriber {
	sub.ID = "sub_" + uuid.NewString()
	sub.Ch = make(chan Event, n.bufferSize)

	n.mu.Lock()
	n.subscribers[sub.ID] = sub
	n.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subscribers[subID]; ok {
		delete(n.subscribers, subID)
		close(sub.Ch)
	}
}

// Len returns the number of active subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

func (s *Subscriber) matches(jobID string) bool {
	if len(s.Filters) == 0 {
		return true
	}
	for _, f := range s.Filters {
		if jobID == f || !s.Exact && strings.HasPrefix(jobID, f) {
			return true
		}
	}
	return false
}
