package results

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the per-subscription channel depth. Slow readers
// miss intermediate updates but always see the terminal result via Get.
const subscriberBuffer = 16

// MemoryPublisher keeps results in process memory. It backs tests and
// single-process deployments where the bus-backed publisher is not
// wired.
type MemoryPublisher struct {
	mu      sync.RWMutex
	results map[string]*Result
	subs    map[string][]*memorySub
	closed  atomic.Bool
}

type memorySub struct {
	taskID string
	ch     chan *Result
	closed atomic.Bool
	pub    *MemoryPublisher
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		results: make(map[string]*Result),
		subs:    make(map[string][]*memorySub),
	}
}

// Publish stores or updates a task result and fans it out to
// subscribers. A stored terminal result is immutable; publishing over
// it fails with ErrFinalized.
func (p *MemoryPublisher) Publish(ctx context.Context, taskID string, result Result) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}

	result.TaskID = taskID
	if !result.Status.Valid() {
		return ErrInvalidStatus
	}

	now := time.Now()

	p.mu.Lock()
	if existing, ok := p.results[taskID]; ok {
		if existing.Status.IsTerminal() {
			p.mu.Unlock()
			return ErrFinalized
		}
		result.CreatedAt = existing.CreatedAt
	} else {
		result.CreatedAt = now
	}
	result.UpdatedAt = now

	// Callers keep their copy; subscribers and Get see clones.
	stored := result.Clone()
	p.results[taskID] = stored
	subs := p.subs[taskID]
	p.mu.Unlock()

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- stored.Clone():
		default:
			// Full buffer drops the update.
		}
	}

	// Terminal results end every subscription for the task.
	if result.Status.IsTerminal() {
		p.mu.Lock()
		p.closeSubscriptionsLocked(taskID)
		p.mu.Unlock()
	}
	return nil
}

// Get retrieves a result by task ID.
func (p *MemoryPublisher) Get(ctx context.Context, taskID string) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}

	p.mu.RLock()
	result, ok := p.results[taskID]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return result.Clone(), nil
}

// Subscribe returns a channel of updates for a task. If the task
// already has a stored result it is delivered immediately, and a
// terminal one closes the channel on the spot.
func (p *MemoryPublisher) Subscribe(taskID string) (<-chan *Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}

	sub := &memorySub{
		taskID: taskID,
		ch:     make(chan *Result, subscriberBuffer),
		pub:    p,
	}

	p.mu.Lock()
	p.subs[taskID] = append(p.subs[taskID], sub)
	if existing, ok := p.results[taskID]; ok {
		select {
		case sub.ch <- existing.Clone():
		default:
		}
		if existing.Status.IsTerminal() {
			p.mu.Unlock()
			// The Swap guards against a racing Publish closing the
			// same channel.
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
			return sub.ch, nil
		}
	}
	p.mu.Unlock()

	return sub.ch, nil
}

// List returns stored results matching the filter.
func (p *MemoryPublisher) List(filter ResultFilter) ([]*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Result
	for _, r := range p.results {
		if !filter.Matches(r) {
			continue
		}
		out = append(out, r.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Delete removes a result and ends its subscriptions.
func (p *MemoryPublisher) Delete(ctx context.Context, taskID string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.results[taskID]; !ok {
		return ErrNotFound
	}
	delete(p.results, taskID)
	p.closeSubscriptionsLocked(taskID)
	return nil
}

// Close drops all results and ends every subscription.
func (p *MemoryPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for taskID := range p.subs {
		p.closeSubscriptionsLocked(taskID)
	}
	p.results = nil
	p.subs = nil
	return nil
}

// closeSubscriptionsLocked ends a task's subscriptions. Caller holds
// the write lock.
func (p *MemoryPublisher) closeSubscriptionsLocked(taskID string) {
	for _, sub := range p.subs[taskID] {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	delete(p.subs, taskID)
}

// Results returns the subscription channel.
func (s *memorySub) Results() <-chan *Result {
	return s.ch
}

// Cancel detaches the subscription and closes its channel.
func (s *memorySub) Cancel() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()

	subs := s.pub.subs[s.taskID]
	for i, sub := range subs {
		if sub == s {
			s.pub.subs[s.taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
