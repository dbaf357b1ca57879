// Package dispatch drains the outbound job queue: one cycle queries
// eligible jobs, sends each due job through the session, and commits every
// successful outcome in a single transaction at cycle end.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkaroly/wabridge/internal/alert"
	"github.com/mkaroly/wabridge/internal/model"
	"github.com/mkaroly/wabridge/internal/store"
)

// Sender is the slice of the session the dispatcher needs.
type Sender interface {
	Authenticated() bool
	SendMessage(ctx context.Context, target, body string) (string, error)
}

type Dispatcher struct {
	store   store.Store
	session Sender
	alerts  alert.Reporter
	account *model.Account
	log     *slog.Logger

	now func() time.Time
}

func New(st store.Store, session Sender, alerts alert.Reporter, account *model.Account, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		session: session,
		alerts:  alerts,
		account: account,
		log:     log,
		now:     time.Now,
	}
}

// due reports whether a job's scheduled time has arrived: immediately when
// unscheduled, otherwise once now strictly exceeds the stored UTC time
// viewed in now's location.
func due(scheduled *time.Time, now time.Time) bool {
	if scheduled == nil {
		return true
	}
	return now.After(scheduled.In(now.Location()))
}

// RunCycle executes one poll cycle. Send failures are isolated per job: the
// job stays unsent for the next cycle and an alert is raised. A store error
// aborts the whole cycle with nothing committed.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	if !d.session.Authenticated() {
		d.log.Debug("skipping cycle, session not authenticated")
		return nil
	}

	jobs, err := d.store.PendingJobs(ctx, d.account.ID)
	if err != nil {
		return fmt.Errorf("query pending jobs: %w", err)
	}
	d.log.Info("poll cycle", slog.Int("jobs", len(jobs)))

	var done []store.SentJob
	now := d.now()

	for _, job := range jobs {
		if !due(job.ScheduledTime, now) {
			d.log.Debug("job not due yet", slog.Int64("job_id", job.ID))
			continue
		}

		switch job.Method {
		case model.MethodSendMessage:
			waID, err := d.session.SendMessage(ctx, job.Targets, job.Args)
			if err != nil {
				d.log.Error("send failed", slog.Int64("job_id", job.ID), slog.Any("err", err))
				d.alerts.Report(ctx, "warning",
					fmt.Sprintf("send failed for job %d (%s): %v", job.ID, d.account.PhoneNumber, err))
				continue
			}
			d.log.Debug("job sent",
				slog.Int64("job_id", job.ID), slog.String("whatsapp_message_id", waID))
			done = append(done, store.SentJob{JobID: job.ID, WhatsappMessageID: waID})
		default:
			d.log.Warn("unknown job method", slog.Int64("job_id", job.ID), slog.String("method", job.Method))
		}
	}

	if len(done) == 0 {
		return nil
	}
	if err := d.store.CompleteJobs(ctx, d.account.ID, done); err != nil {
		return fmt.Errorf("commit cycle: %w", err)
	}
	return nil
}
