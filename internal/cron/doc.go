// Package cron registers the recurring maintenance jobs.
//
// The scheduler only decides when; execution happens in the job queue.
// Each tick enqueues the entry's job type under the stable key
// "recurring-<JOB_TYPE>", so overlapping ticks (or several processes sharing
// one Redis locker) never stack a second copy while one is in flight.
package cron
