package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps the same state model as the sqlite driver without
// durability. Useful for tests and for running without a data directory.
type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	seq  uint64
}

type memJob struct {
	job    Job
	status string
	seq    uint64 // arrival order tiebreaker
}

func NewMemory() JobStore {
	return &memoryStore{jobs: map[string]*memJob{}}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Enqueue(ctx context.Context, jobs ...Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.EnqueuedAt.IsZero() {
			j.EnqueuedAt = time.Now()
		}
		s.seq++
		s.jobs[j.ID] = &memJob{job: j, status: "waiting", seq: s.seq}
	}
	return nil
}

func (s *memoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memJob
	for _, m := range s.jobs {
		if m.status == "waiting" && !m.job.NotBefore.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].job.Priority != due[k].job.Priority {
			return due[i].job.Priority < due[k].job.Priority
		}
		return due[i].seq < due[k].seq
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, m := range due {
		m.status = "active"
		out = append(out, m.job)
	}
	return out, nil
}

func (s *memoryStore) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) Retry(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	m.status = "waiting"
	m.job.Attempt = attempt
	m.job.NotBefore = notBefore
	m.job.LastError = lastErr
	return nil
}

func (s *memoryStore) Fail(ctx context.Context, id string, attempt int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	m.status = "failed"
	m.job.Attempt = attempt
	m.job.LastError = lastErr
	return nil
}

func (s *memoryStore) ClearPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.jobs {
		if m.status == "waiting" {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Counts(ctx context.Context, now time.Time) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, m := range s.jobs {
		switch m.status {
		case "waiting":
			if m.job.NotBefore.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case "active":
			c.Active++
		case "failed":
			c.Failed++
		}
	}
	return c, nil
}

func (s *memoryStore) PruneFailed(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.jobs {
		if m.status == "failed" && m.job.EnqueuedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
