package schema

// Event type constants for the per-run lifecycle log.
const (
	EventRunCreated    = "run_created"
	EventRunQueued     = "run_queued"
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
	EventRunTerminated = "run_terminated"
	EventRunTimedOut   = "run_timed_out"
	EventRunCanceled   = "run_canceled"

	EventBlockStarted   = "block_started"
	EventBlockCompleted = "block_completed"
	EventBlockFailed    = "block_failed"
	EventBlockSkipped   = "block_skipped"

	EventLoopIterStarted   = "loop_iter_started"
	EventLoopIterCompleted = "loop_iter_completed"
	EventLoopCompleted     = "loop_completed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventWebhookSent   = "webhook_sent"
	EventWebhookFailed = "webhook_failed"
)
