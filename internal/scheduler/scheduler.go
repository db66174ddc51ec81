// Package scheduler runs cron-driven check-ins.
//
// Expressions use the standard 5-field format (min, hour, dom, month, dow).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrNoRecipients is returned when a check-in schedule has nobody to contact.
var ErrNoRecipients = errors.New("no check-in recipients")

// CheckInFunc delivers a check-in to one recipient.
type CheckInFunc func(ctx context.Context, recipient string) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleCheckIns runs fn for every recipient each time expr fires. A failed
// recipient is logged and does not stop the others.
func (s *Scheduler) ScheduleCheckIns(ctx context.Context, expr string, recipients []string, fn CheckInFunc) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	targets := append([]string(nil), recipients...)
	err := s.AddJob(expr, func() {
		RunCheckIns(ctx, targets, fn)
	})
	if err != nil {
		return fmt.Errorf("invalid check-in schedule %q: %w", expr, err)
	}
	slog.Info("Scheduler.ScheduleCheckIns: check-ins scheduled", "schedule", expr, "recipients", len(targets))
	return nil
}

// RunCheckIns calls fn once per recipient and returns how many succeeded.
func RunCheckIns(ctx context.Context, recipients []string, fn CheckInFunc) int {
	ok := 0
	for i, r := range recipients {
		if ctx.Err() != nil {
			slog.Warn("RunCheckIns: context done, skipping remaining recipients", "remaining", len(recipients)-i)
			break
		}
		if err := fn(ctx, r); err != nil {
			slog.Error("RunCheckIns: check-in failed", "error", err, "recipient", r)
			continue
		}
		ok++
	}
	return ok
}

// ParseRecipients splits a comma-separated recipient list, dropping blanks.
func ParseRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
