package api

import (
	"sync"
)

// DefaultMaxJobs bounds the job store; the oldest record goes first.
const DefaultMaxJobs = 256

type JobStore struct {
	mu    sync.Mutex
	max   int
	jobs  map[string]*Job
	order []string
}

func NewJobStore(maxJobs int) *JobStore {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	return &JobStore{
		max:  maxJobs,
		jobs: make(map[string]*Job),
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job
	for len(s.order) > s.max {
		delete(s.jobs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *JobStore) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
