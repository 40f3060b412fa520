// Package scheduler registers triggers (calendar cron and one-shot) and
// enqueues their jobs into the task engine. It never runs jobs itself.
//
// vlogd uses it for the per-minute selection tick and for the one-shot
// timers behind livestream timeouts.
package scheduler
