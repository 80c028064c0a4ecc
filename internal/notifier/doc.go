// Package notifier announces a newly detected event on the configured
// channels (Resend email broadcast, Telegram).
//
// Delivery is best effort: each channel is attempted exactly once per
// announcement and failures are logged, never retried. A duplicate
// announcement is considered worse than a missed one.
//
// # History
//
// The dispatcher keeps a small in-memory history of recent deliveries for
// the operator bot and publishes one bus event per channel attempt.
package notifier
