// Package scheduler runs the process-level periodic jobs (status line,
// keep-alive ping) on a robfig/cron clock.
//
// Fleet workers do not use it: their pacing is relative to each account's
// own progress, not to wall-clock ticks.
package scheduler
