// internal/heartbeat/cron.go
package heartbeat

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronWakes fires Wake("cron") on the scheduler for each configured cron
// expression. Cron wakes run every enabled agent unconditionally, unlike
// interval fires.
type CronWakes struct {
	sched *Scheduler
	cron  *cron.Cron
}

// NewCronWakes registers the given cron expressions. Invalid expressions are
// logged and skipped rather than failing the gateway.
func NewCronWakes(sched *Scheduler, exprs []string) *CronWakes {
	c := cron.New(cron.WithParser(cronParser))
	for _, expr := range exprs {
		expr := expr
		_, err := c.AddFunc(expr, func() {
			status := sched.Wake("cron")
			slog.Info("cron heartbeat wake", "schedule", expr, "status", status.Status)
		})
		if err != nil {
			slog.Error("invalid heartbeat cron expression", "schedule", expr, "error", err)
		}
	}
	return &CronWakes{sched: sched, cron: c}
}

// Start begins the cron ticker.
func (w *CronWakes) Start() {
	w.cron.Start()
}

// Stop halts the cron ticker.
func (w *CronWakes) Stop() {
	w.cron.Stop()
}
