// Package trigger implements cron scheduling of synthetic actions.
package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/config"
)

// Submitter is the pipeline surface cron jobs feed into.
type Submitter interface {
	Submit(ctx context.Context, act *action.Action) (action.Admission, error)
}

// Scheduler fires configured cron jobs as prompt actions under per-job cron
// session keys.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
}

// NewScheduler creates a scheduler backed by the given submitter.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week (e.g. "0 9 * * 1-5" for 09:00 on weekdays).
func NewScheduler(submitter Submitter) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		submitter: submitter,
	}
}

// RegisterJobs adds cron entries from configuration.
func (s *Scheduler) RegisterJobs(jobs []config.CronJob) error {
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.fire(job) }); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) fire(job config.CronJob) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	act := &action.Action{
		ID:         uuid.NewString(),
		SessionKey: action.CronKey(job.Name),
		Kind:       action.KindPrompt,
		Actor:      "cron",
		Payload:    job.Prompt,
		ChatType:   action.ChatDirect,
		ReceivedAt: time.Now().UTC(),
	}

	admission, err := s.submitter.Submit(ctx, act)
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Msg("cron_trigger_failed")
		return
	}
	log.Info().
		Str("job", job.Name).
		Str("admission", string(admission)).
		Msg("cron_trigger_fired")
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
