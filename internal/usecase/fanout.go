package usecase

import (
	"sync"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// FanoutEvent is one push to a subscriber: either a progress update or the
// terminal result.
type FanoutEvent struct {
	Kind     string               `json:"kind"`
	Progress *domain.ProgressEvent `json:"progress,omitempty"`
	Terminal *domain.ResultEvent   `json:"terminal,omitempty"`
}

// Event kinds pushed to subscribers.
const (
	FanoutProgress = "progress"
	FanoutTerminal = "terminal"
)

// Subscription is one subscriber's bounded event stream. Cancel must be
// called when the subscriber goes away.
type Subscription struct {
	C      <-chan FanoutEvent
	ch     chan FanoutEvent
	cancel func()
}

// Cancel detaches the subscription from its job.
func (s *Subscription) Cancel() { s.cancel() }

// Fanout routes committed job events to real-time subscribers. Queues are
// bounded; on overflow the oldest progress event is dropped. Terminal events
// are never dropped.
type Fanout struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int
}

// NewFanout constructs a Fanout with the given per-subscriber queue size.
func NewFanout(queueSize int) *Fanout {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Fanout{
		subs:      make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers interest in one job's events.
func (f *Fanout) Subscribe(jobID string) *Subscription {
	sub := &Subscription{ch: make(chan FanoutEvent, f.queueSize)}
	sub.C = sub.ch
	sub.cancel = func() { f.unsubscribe(jobID, sub) }

	f.mu.Lock()
	if f.subs[jobID] == nil {
		f.subs[jobID] = make(map[*Subscription]struct{})
	}
	f.subs[jobID][sub] = struct{}{}
	f.mu.Unlock()

	observability.SubscribersGauge.Inc()
	return sub
}

func (f *Fanout) unsubscribe(jobID string, sub *Subscription) {
	f.mu.Lock()
	if set, ok := f.subs[jobID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			observability.SubscribersGauge.Dec()
		}
		if len(set) == 0 {
			delete(f.subs, jobID)
		}
	}
	f.mu.Unlock()
}

// NotifyProgress pushes a progress event to every subscriber of the job.
// Full queues shed their oldest progress event to make room.
func (f *Fanout) NotifyProgress(jobID string, ev domain.ProgressEvent) {
	f.each(jobID, func(sub *Subscription) {
		e := FanoutEvent{Kind: FanoutProgress, Progress: &ev}
		select {
		case sub.ch <- e:
		default:
			select {
			case <-sub.ch:
				observability.FanoutDroppedTotal.Inc()
			default:
			}
			select {
			case sub.ch <- e:
			default:
				observability.FanoutDroppedTotal.Inc()
			}
		}
	})
}

// NotifyTerminal pushes the terminal event, evicting progress events from a
// full queue until it fits.
func (f *Fanout) NotifyTerminal(jobID string, ev domain.ResultEvent) {
	f.each(jobID, func(sub *Subscription) {
		e := FanoutEvent{Kind: FanoutTerminal, Terminal: &ev}
		for {
			select {
			case sub.ch <- e:
				return
			default:
				select {
				case <-sub.ch:
					observability.FanoutDroppedTotal.Inc()
				default:
					// Queue drained by a concurrent reader; retry the send.
				}
			}
		}
	})
}

func (f *Fanout) each(jobID string, fn func(*Subscription)) {
	f.mu.RLock()
	subs := make([]*Subscription, 0, len(f.subs[jobID]))
	for sub := range f.subs[jobID] {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()
	for _, sub := range subs {
		fn(sub)
	}
}

// SubscriberCount reports the live subscriber count for a job.
func (f *Fanout) SubscriberCount(jobID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[jobID])
}
