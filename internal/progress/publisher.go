// Package progress keeps rolling per-task transfer samples and fans events out
// to subscribers without ever blocking the publisher.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	"github.com/veranemoloko/attachment-fetcher/internal/metrics"
)

const (
	DefaultHistorySize = 100
	DefaultBuffer      = 64
)

// Sample is one point of a task's transfer trend.
type Sample struct {
	Time        time.Time `json:"time"`
	Speed       float64   `json:"speed"`
	Transferred int64     `json:"transferred_bytes"`
}

// ring is a fixed-capacity buffer that overwrites its oldest sample.
type ring struct {
	buf  []Sample
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Sample, size)}
}

func (r *ring) push(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the samples oldest first.
func (r *ring) items() []Sample {
	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Publisher records task samples and distributes events.
type Publisher struct {
	mu          sync.Mutex
	historySize int
	history     map[string]*ring
	subs        map[*Subscription]struct{}
	closed      bool
	logger      *slog.Logger
}

// NewPublisher creates a Publisher keeping historySize samples per task.
func NewPublisher(historySize int, logger *slog.Logger) *Publisher {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Publisher{
		historySize: historySize,
		history:     make(map[string]*ring),
		subs:        make(map[*Subscription]struct{}),
		logger:      logger,
	}
}

// Subscription delivers events on C until it is closed or dropped.
type Subscription struct {
	C <-chan domain.Event

	ch     chan domain.Event
	p      *Publisher
	closed bool
}

// Subscribe registers a subscriber with the given channel buffer. A subscriber
// whose buffer is full when an event arrives is dropped and its channel closed.
func (p *Publisher) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	sub := &Subscription{C: ch, ch: ch, p: p}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	p.subs[sub] = struct{}{}
	return sub
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.removeLocked(s)
}

func (p *Publisher) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(p.subs, s)
	close(s.ch)
}

// Publish records a sample for task progress events and fans ev out.
func (p *Publisher) Publish(ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if ev.Type == domain.EventTaskProgress && ev.Task != nil {
		r, ok := p.history[ev.Task.TaskID]
		if !ok {
			r = newRing(p.historySize)
			p.history[ev.Task.TaskID] = r
		}
		r.push(Sample{Time: ev.Time, Speed: ev.Task.Speed, Transferred: ev.Task.TransferredBytes})
	}

	for sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			p.removeLocked(sub)
			metrics.SubscribersDropped.Inc()
			p.logger.Warn("dropping slow event subscriber")
		}
	}
}

// PublishTask is a convenience wrapper building an event from a task.
func (p *Publisher) PublishTask(typ domain.EventType, t *domain.Task) {
	snap := t.Snapshot()
	p.Publish(domain.Event{Type: typ, Task: &snap})
}

// PublishSession emits a session counter update.
func (p *Publisher) PublishSession(s *domain.Session) {
	snap := s.Snapshot()
	p.Publish(domain.Event{Type: domain.EventSession, Session: &snap})
}

// History returns the retained samples for a task, oldest first.
func (p *Publisher) History(taskID string) []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.history[taskID]
	if !ok {
		return nil
	}
	return r.items()
}

// Forget drops the samples kept for a task.
func (p *Publisher) Forget(taskID string) {
	p.mu.Lock()
	delete(p.history, taskID)
	p.mu.Unlock()
}

// Close closes every subscription. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		p.removeLocked(sub)
	}
}

// Tracked reports how many tasks currently have samples retained.
func (p *Publisher) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}
