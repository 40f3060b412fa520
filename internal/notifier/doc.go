// Package notifier delivers record requests to users and alerts to
// operators.
//
// Messages go through a bounded queue to a small worker pool. Each send is
// rate limited and retried with backoff; the adapter decides which failures
// are permanent. Record requests are synchronous for the caller, which needs
// to know whether the user was reached, and are deduplicated per user and
// trigger minute. Alerts are fire-and-forget and deduplicated by text.
package notifier
