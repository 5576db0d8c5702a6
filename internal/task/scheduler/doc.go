// Package scheduler is the trigger engine: it owns live one-shot and
// recurring timers keyed by record id and, when one is due, enqueues a task
// into the task engine. It performs no I/O and knows nothing about storage.
//
// One-shot triggers use time.AfterFunc; recurring triggers use robfig/cron
// with 5-field expressions evaluated in the configured timezone.
package scheduler
