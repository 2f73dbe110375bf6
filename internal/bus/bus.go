// Package bus implements the in-process event fabric used for provisioning
// progress and agent activity. One topic exists per job id and is closed when
// the job reaches a terminal state; a single open-ended topic carries all
// agent activity. Publishing never blocks: a subscriber whose buffer is full
// misses that event.
package bus

import (
	"log/slog"
	"sync"

	"github.com/abhaydee/atlas/internal/domain"
)

const (
	// subBufferSize is the per-subscriber channel buffer.
	subBufferSize = 64

	// closedJobsMax bounds how many terminal job ids are remembered so late
	// subscribers get an immediately closed feed instead of a hang.
	closedJobsMax = 1024
)

// Bus implements domain.EventBus.
type Bus struct {
	mu        sync.Mutex
	jobs      map[string]*topic
	activity  *topic
	closedJob map[string]struct{}
	closedLog []string
	logger    *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		jobs:      make(map[string]*topic),
		activity:  newTopic(),
		closedJob: make(map[string]struct{}),
		logger:    logger.With(slog.String("component", "bus")),
	}
}

// PublishJob emits ev to every subscriber of jobID, in publish order. When
// ev marks the job terminal the topic is closed after delivery and late
// subscribers receive a closed feed.
func (b *Bus) PublishJob(jobID string, ev domain.Event) {
	b.mu.Lock()
	t, ok := b.jobs[jobID]
	if !ok {
		if _, done := b.closedJob[jobID]; done {
			b.mu.Unlock()
			return
		}
		t = newTopic()
		b.jobs[jobID] = t
	}
	b.mu.Unlock()

	dropped := t.publish(ev)
	if dropped > 0 {
		b.logger.Warn("dropped job events for slow subscribers",
			slog.String("job_id", jobID),
			slog.Int("dropped", dropped),
		)
	}

	if terminalJobEvent(ev) {
		b.mu.Lock()
		delete(b.jobs, jobID)
		b.rememberClosedLocked(jobID)
		b.mu.Unlock()
		t.close()
	}
}

// PublishActivity emits ev on the global agent-activity topic.
func (b *Bus) PublishActivity(ev domain.Event) {
	if dropped := b.activity.publish(ev); dropped > 0 {
		b.logger.Warn("dropped activity events for slow subscribers",
			slog.Int("dropped", dropped),
		)
	}
}

// SubscribeJob returns a feed of every subsequent event for jobID. If the
// job already terminated the feed is closed on arrival.
func (b *Bus) SubscribeJob(jobID string) domain.Subscription {
	b.mu.Lock()
	if _, done := b.closedJob[jobID]; done {
		b.mu.Unlock()
		s := &subscription{ch: make(chan domain.Event)}
		close(s.ch)
		return s
	}
	t, ok := b.jobs[jobID]
	if !ok {
		t = newTopic()
		b.jobs[jobID] = t
	}
	b.mu.Unlock()

	s := t.subscribe()
	// Without this, subscriptions to job ids that never publish would leave
	// empty topics in the map forever.
	s.onCancel = func() { b.pruneJob(jobID, t) }
	return s
}

// pruneJob drops a job topic that has no subscribers left and was never
// closed. The identity check guards against removing a topic that replaced
// this one after a publish recreated it.
func (b *Bus) pruneJob(jobID string, t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.jobs[jobID]; ok && cur == t && t.idle() {
		delete(b.jobs, jobID)
	}
}

// SubscribeActivity returns an open-ended feed of all agent activity.
func (b *Bus) SubscribeActivity() domain.Subscription {
	return b.activity.subscribe()
}

// rememberClosedLocked records a terminal job id, evicting the oldest entry
// once the bound is reached. Caller holds b.mu.
func (b *Bus) rememberClosedLocked(jobID string) {
	if _, ok := b.closedJob[jobID]; ok {
		return
	}
	b.closedJob[jobID] = struct{}{}
	b.closedLog = append(b.closedLog, jobID)
	if len(b.closedLog) > closedJobsMax {
		evict := b.closedLog[0]
		b.closedLog = b.closedLog[1:]
		delete(b.closedJob, evict)
	}
}

func terminalJobEvent(ev domain.Event) bool {
	if ev.Type == domain.EventJobDone {
		return true
	}
	return ev.Job != nil && ev.Job.Status.Terminal()
}

var _ domain.EventBus = (*Bus)(nil)

// ---------------------------------------------------------------------------
// topic
// ---------------------------------------------------------------------------

type topic struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func newTopic() *topic {
	return &topic{subs: make(map[*subscription]struct{})}
}

// publish delivers ev to every live subscriber without blocking. It returns
// the number of subscribers that missed the event.
func (t *topic) publish(ev domain.Event) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	dropped := 0
	for s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (t *topic) subscribe() *subscription {
	s := &subscription{topic: t, ch: make(chan domain.Event, subBufferSize)}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(s.ch)
		return s
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s
}

func (t *topic) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for s := range subs {
		close(s.ch)
	}
}

// idle reports whether the topic is open with no subscribers.
func (t *topic) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && len(t.subs) == 0
}

func (t *topic) unsubscribe(s *subscription) {
	t.mu.Lock()
	if _, ok := t.subs[s]; ok {
		delete(t.subs, s)
		t.mu.Unlock()
		close(s.ch)
		return
	}
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// subscription
// ---------------------------------------------------------------------------

type subscription struct {
	topic    *topic
	ch       chan domain.Event
	once     sync.Once
	onCancel func()
}

func (s *subscription) Events() <-chan domain.Event { return s.ch }

// Cancel detaches the subscriber. Safe to call more than once; after Cancel
// returns the Events channel is closed.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		if s.topic != nil {
			s.topic.unsubscribe(s)
		}
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}
