package broadcast

import (
	"sort"
	"time"
)

const (
	jobsMax = 200
	jobsTTL = 24 * time.Hour
)

// JobStatus is a point-in-time view of one broadcast.
type JobStatus struct {
	ID          string
	RequesterID int64
	ContentKind string
	ActivityID  string
	Total       int
	Done        int
	Failed      int
	StartedAt   time.Time
	DoneAt      time.Time
	Running     bool
}

type jobEntry struct {
	st JobStatus
	p  *progress
}

func (e *jobEntry) view() JobStatus {
	st := e.st
	if st.Running && e.p != nil {
		st.Done, _, st.Failed = e.p.counts()
	}
	return st
}

func (s *Service) trackJob(st JobStatus, p *progress) {
	now := time.Now()
	s.pruneJobs(now)
	st.Running = true
	st.StartedAt = now
	s.jobsMu.Lock()
	s.jobs[st.ID] = &jobEntry{st: st, p: p}
	s.jobsMu.Unlock()
}

func (s *Service) finishJob(out Outcome) {
	s.jobsMu.Lock()
	if e := s.jobs[out.JobID]; e != nil {
		e.st.Running = false
		e.st.DoneAt = time.Now()
		e.st.ActivityID = out.ActivityID
		e.st.Done = out.Success + out.Failed
		e.st.Failed = out.Failed
	}
	s.jobsMu.Unlock()
}

// Job returns the status of one broadcast by job ID.
func (s *Service) Job(id string) (JobStatus, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return e.view(), true
}

// Jobs lists tracked broadcasts, newest first.
func (s *Service) Jobs() []JobStatus {
	s.jobsMu.RLock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.view())
	}
	s.jobsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// pruneJobs keeps the status map bounded even if nobody reads old entries.
func (s *Service) pruneJobs(now time.Time) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for id, e := range s.jobs {
		if !e.st.Running && now.Sub(e.st.DoneAt) > jobsTTL {
			delete(s.jobs, id)
		}
	}
	if len(s.jobs) <= jobsMax {
		return
	}
	done := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if !e.st.Running {
			done = append(done, e)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].st.DoneAt.Before(done[j].st.DoneAt) })
	for _, e := range done {
		if len(s.jobs) <= jobsMax {
			break
		}
		delete(s.jobs, e.st.ID)
	}
}
