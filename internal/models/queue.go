package models

// Well-known queue names. The allowed set is configurable but always includes
// these four; submissions to any name outside the configured set fail with
// InvalidQueue.
const (
	QueueJobs     = "jobQueue"
	QueueWebhooks = "webhooks"
	QueueSched    = "schedQueue"
	QueueFlows    = "flowQueue"
)

// DefaultAllowedQueues is the whitelist used when config does not override it.
func DefaultAllowedQueues() []string {
	return []string{QueueJobs, QueueWebhooks, QueueSched, QueueFlows}
}
