package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/internal/metrics"
	"github.com/liamcoop/trialrules/store"
)

// Task is a unit of periodic work
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

const (
	TaskCron           = "cron"
	TaskFileCleanup    = "file-cleanup"
	TaskSessionCleanup = "session-cleanup"
	TaskMailDispatch   = "mail"
)

// CronSweepTask ticks the cron scheduler with the current time
type CronSweepTask struct {
	Scheduler *CronScheduler
	Now       func() time.Time
}

func (t *CronSweepTask) Name() string { return TaskCron }

func (t *CronSweepTask) Run(ctx context.Context) error {
	_, err := t.Scheduler.Tick(ctx, clock(t.Now)())
	return err
}

// FileCleanupTask deletes uploaded files never submitted within MaxAge
type FileCleanupTask struct {
	Store  store.Store
	MaxAge time.Duration
	Now    func() time.Time
}

func (t *FileCleanupTask) Name() string { return TaskFileCleanup }

func (t *FileCleanupTask) Run(ctx context.Context) error {
	cutoff := clock(t.Now)().Add(-t.MaxAge)
	var deleted int64
	err := t.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.DeleteUnsubmittedFilesBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete unsubmitted files: %w", err)
	}
	if deleted > 0 {
		logger.Info("unsubmitted files deleted", "count", deleted, "cutoff", cutoff)
	}
	return nil
}

// SessionCleanupTask deletes sessions idle for longer than MaxIdle
type SessionCleanupTask struct {
	Store   store.Store
	MaxIdle time.Duration
	Now     func() time.Time
}

func (t *SessionCleanupTask) Name() string { return TaskSessionCleanup }

func (t *SessionCleanupTask) Run(ctx context.Context) error {
	cutoff := clock(t.Now)().Add(-t.MaxIdle)
	var deleted int64
	err := t.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.DeleteSessionsIdleSince(ctx, cutoff)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	if deleted > 0 {
		logger.Info("idle sessions deleted", "count", deleted)
	}
	return nil
}

// MailSender delivers one mail. When simulate is set the mail must not leave
// the process.
type MailSender interface {
	Send(ctx context.Context, mail *store.Mail, simulate bool) error
}

// LogMailSender writes mails to the log instead of a transport
type LogMailSender struct{}

func (LogMailSender) Send(_ context.Context, mail *store.Mail, simulate bool) error {
	logger.Info("mail", "pk", mail.PK, "to", []string(mail.Recipients), "subject", mail.Subject, "simulated", simulate)
	return nil
}

const mailRationale = "Mail sent by the sender task"

// MailDispatchTask sends pending mails. Each mail is handled in its own
// transaction so one failure does not hold back the others.
type MailDispatchTask struct {
	Store     store.Store
	Sender    MailSender
	Audit     *audit.Service
	Simulate  bool
	BatchSize int
	Now       func() time.Time
}

func (t *MailDispatchTask) Name() string { return TaskMailDispatch }

func (t *MailDispatchTask) Run(ctx context.Context) error {
	var pending []*store.Mail
	err := t.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListMails(ctx, store.MailPending, t.BatchSize)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list pending mails: %w", err)
	}

	for _, mail := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.dispatch(ctx, mail); err != nil {
			logger.Error("mail dispatch failed", "mail", mail.PK, "error", err)
		}
	}
	return nil
}

// dispatch sends mail outside any transaction, then records the outcome.
// A commit failure after a successful send leaves the mail PENDING, so
// delivery is at least once.
func (t *MailDispatchTask) dispatch(ctx context.Context, mail *store.Mail) error {
	if len(mail.Recipients) == 0 {
		mail.Status = store.MailCanceled
		mail.Error = "mail has no recipient"
		return t.record(ctx, mail)
	}

	mail.Attempts++
	mail.Error = ""
	mail.SentAt = nil
	if err := t.Sender.Send(ctx, mail, t.Simulate); err != nil {
		mail.Status = store.MailFailed
		mail.Error = err.Error()
	} else {
		sentAt := clock(t.Now)()
		mail.SentAt = &sentAt
		mail.Status = store.MailSent
		if t.Simulate {
			mail.Status = store.MailSimulated
		}
	}
	return t.record(ctx, mail)
}

func (t *MailDispatchTask) record(ctx context.Context, mail *store.Mail) error {
	return t.Store.InTx(ctx, func(tx store.Tx) error {
		actx, err := t.Audit.SystemContext(ctx, tx, mailRationale)
		if err != nil {
			return err
		}
		if err := tx.SaveMail(ctx, mail); err != nil {
			return err
		}
		metrics.RecordMail(string(mail.Status))
		return t.Audit.Trail(ctx, tx, actx, "mail", mail.PK, mail, "")
	})
}

func clock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
