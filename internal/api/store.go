package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStore keeps jobs in memory.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

func (s *JobStore) Create(kind string, now time.Time) Job {
	job := Job{
		ID:        "job_" + uuid.NewString(),
		Object:    "job",
		Kind:      kind,
		Status:    JobQueued,
		CreatedAt: now.Unix(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = &job
	s.mu.Unlock()
	return job
}

// Update applies fn to the stored job and returns a copy of the result.
func (s *JobStore) Update(id string, fn func(*Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	fn(job)
	return *job, true
}

func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}
