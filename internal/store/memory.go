package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. All reads
// and writes work on deep copies so callers never alias stored state.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create persists a new job record.
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrAlreadyExists
	}

	stored := job.Clone()
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	s.jobs[job.ID] = stored
	return nil
}

// Get returns a snapshot of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Update applies mutate under the store lock, which serializes concurrent
// updates to the same job. The mutation runs on a copy; a failed mutation
// leaves the stored record untouched.
func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := job.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.jobs[id] = next
	return next.Clone(), nil
}

// MemoryQueue is an in-memory Queue with lease-based redelivery. A
// background loop returns expired leases to the pending list, the same
// shape as production but without a broker.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []string
	leased  map[string]time.Time

	notify chan struct{}
	lease  time.Duration
	block  time.Duration

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a queue whose leases expire after lease and whose
// Dequeue blocks up to block. The reclaim loop wakes every reclaimInterval.
func NewMemoryQueue(lease, block, reclaimInterval time.Duration) *MemoryQueue {
	q := &MemoryQueue{
		leased: make(map[string]time.Time),
		notify: make(chan struct{}, 1),
		lease:  lease,
		block:  block,
		stop:   make(chan struct{}),
	}
	go q.reclaimLoop(reclaimInterval)
	return q
}

// Enqueue appends the id to the pending list and wakes one blocked Dequeue.
func (q *MemoryQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	q.pending = append(q.pending, id)
	q.mu.Unlock()
	q.nudge()
	return nil
}

// Dequeue pops the oldest pending id and leases it to the caller.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	for {
		if id, ok := q.take(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", ErrQueueEmpty
		case <-q.notify:
		}
	}
}

// Ack releases the lease. Acking an unknown id is a no-op so redeliveries
// stay harmless.
func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, id)
	return nil
}

// Extend refreshes the caller's lease.
func (q *MemoryQueue) Extend(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased[id]; !ok {
		return ErrLeaseExpired
	}
	q.leased[id] = time.Now().Add(q.lease)
	return nil
}

// Close stops the reclaim loop.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.stop) })
}

func (q *MemoryQueue) take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimLocked()

	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.leased[id] = time.Now().Add(q.lease)
	return id, true
}

// reclaimLocked moves expired leases back to the pending list. Callers must
// hold q.mu.
func (q *MemoryQueue) reclaimLocked() int {
	now := time.Now()
	n := 0
	for id, expiry := range q.leased {
		if now.After(expiry) {
			delete(q.leased, id)
			q.pending = append(q.pending, id)
			n++
		}
	}
	return n
}

func (q *MemoryQueue) reclaimLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.mu.Lock()
			n := q.reclaimLocked()
			q.mu.Unlock()
			if n > 0 {
				q.nudge()
			}
		case <-q.stop:
			return
		}
	}
}

func (q *MemoryQueue) nudge() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
