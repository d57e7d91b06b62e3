// Package scheduler triggers recurring jobs on cron or fixed-interval
// schedules. Overlapping runs of the same job are skipped.
package scheduler
