package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cloudless/trainagent/pkg/training"
)

// Registry holds the jobs known to this agent, keyed by job id
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*training.Job
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*training.Job)}
}

// Add registers a job. A job id that is still live cannot be registered twice;
// a terminal job with the same id is replaced.
func (r *Registry) Add(job *training.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[job.ID()]; ok && !existing.Status().IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrInvalidState, job.ID(), existing.Status())
	}
	r.jobs[job.ID()] = job
	return nil
}

// Get returns the job with the given id
func (r *Registry) Get(id string) (*training.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Remove unregisters job if it is still the one registered under its id
func (r *Registry) Remove(job *training.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[job.ID()] == job {
		delete(r.jobs, job.ID())
	}
}

// CountRunning returns the number of RUNNING jobs
func (r *Registry) CountRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, job := range r.jobs {
		if job.Status() == training.StatusRunning {
			n++
		}
	}
	return n
}

// CountByStatus returns the number of jobs in every status
func (r *Registry) CountByStatus() map[training.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[training.Status]int)
	for _, job := range r.jobs {
		counts[job.Status()]++
	}
	return counts
}

// List returns all jobs ordered by id
func (r *Registry) List() []*training.Job {
	r.mu.RLock()
	jobs := make([]*training.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID() < jobs[j].ID() })
	return jobs
}
