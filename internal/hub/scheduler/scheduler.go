// Package scheduler implements the Scheduler (C8): registration of
// periodic background jobs (aggregation, retention, re-probe) with a
// single-flight guarantee, backed by a standard five-field cron parser.
package scheduler

import (
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one registered periodic task.
type Job struct {
	ID          string
	Cron        string
	Description string
	Execute     func()
}

// Scheduler registers/unregisters cron jobs, guaranteeing at most one
// concurrent invocation of any given job id.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	running sync.Map // jobID -> struct{}, present while Execute is in flight
}

// New builds an empty Scheduler. The underlying cron runner is started
// immediately; Stop() shuts it down.
func New() *Scheduler {
	s := &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
	s.cron.Start()
	return s
}

// RegisterJob installs job, replacing any prior registration under the
// same id.
func (s *Scheduler) RegisterJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[job.ID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Cron, func() {
		s.runSingleFlight(job)
	})
	if err != nil {
		return err
	}
	s.entries[job.ID] = entryID
	return nil
}

// UnregisterJob removes job by id; a no-op if it isn't registered.
func (s *Scheduler) UnregisterJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) runSingleFlight(job Job) {
	if _, already := s.running.LoadOrStore(job.ID, struct{}{}); already {
		log.Debug().Str("job", job.ID).Msg("skipping overlapping run")
		return
	}
	defer s.running.Delete(job.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", job.ID).Interface("panic", r).Msg("scheduled job panicked")
		}
	}()
	job.Execute()
}

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
