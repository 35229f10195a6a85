package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AnTengye/contractguard/model"
)

// JobStore is an in-memory index of job records keyed by job id.
// Analysis artifacts live on disk; this only tracks queue status.
type JobStore struct {
	jobs       map[string]*model.JobRecord
	byAnalysis map[string]string
	mu         sync.RWMutex
	maxJobs    int // Maximum jobs to keep, 0 = unlimited
}

// NewJobStore creates a store keeping at most maxJobs records
func NewJobStore(maxJobs int) *JobStore {
	if maxJobs < 0 {
		maxJobs = 0
	}
	slog.Info("job store initialized", "max_jobs", maxJobs)
	return &JobStore{
		jobs:       make(map[string]*model.JobRecord),
		byAnalysis: make(map[string]string),
		maxJobs:    maxJobs,
	}
}

// Save inserts or replaces job
func (s *JobStore) Save(job *model.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	s.byAnalysis[job.AnalysisID] = job.ID

	s.cleanupIfNeeded()
}

// Get returns a copy of the job, or nil
func (s *JobStore) Get(id string) *model.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j, ok := s.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// ByAnalysis returns a copy of the job processing analysisID, or nil
func (s *JobStore) ByAnalysis(analysisID string) *model.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j, ok := s.jobs[s.byAnalysis[analysisID]]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// GetByTenant returns copies of the tenant's jobs, newest first
func (s *JobStore) GetByTenant(tenant string) []*model.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.JobRecord
	for _, j := range s.jobs {
		if j.Tenant == tenant {
			cp := *j
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})
	return result
}

// Delete removes the job and its analysis index entry
func (s *JobStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		delete(s.byAnalysis, j.AnalysisID)
		delete(s.jobs, id)
	}
}

// UpdateStatus records the job's current state. Start and finish times are
// stamped on the first running and terminal states.
func (s *JobStore) UpdateStatus(id string, status model.State, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	j.Status = status
	if errMsg != "" {
		j.ErrorReason = errMsg
	}
	j.UpdatedAt = now
	if j.StartedAt == nil && status != model.StateReceived && status != model.StateQueued {
		j.StartedAt = &now
	}
	if j.FinishedAt == nil && status.Terminal() {
		j.FinishedAt = &now
	}
}

// cleanupIfNeeded removes the oldest finished jobs if store exceeds maxJobs.
// Queued or running jobs are never evicted.
// Must be called with lock held
func (s *JobStore) cleanupIfNeeded() {
	if s.maxJobs <= 0 {
		return // Unlimited
	}

	if len(s.jobs) <= s.maxJobs {
		return
	}

	finished := make([]*model.JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(i, k int) bool {
		return finished[i].CreatedAt.Before(finished[k].CreatedAt)
	})

	removeCount := len(s.jobs) - s.maxJobs
	for i := 0; i < removeCount && i < len(finished); i++ {
		slog.Info("auto-cleaning old job",
			"job_id", finished[i].ID,
			"analysis_id", finished[i].AnalysisID,
			"created_at", finished[i].CreatedAt,
		)
		delete(s.byAnalysis, finished[i].AnalysisID)
		delete(s.jobs, finished[i].ID)
	}
}

// Count returns the number of jobs in the store
func (s *JobStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
