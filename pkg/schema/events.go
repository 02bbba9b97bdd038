package schema

// Event type constants for the append-only run event log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventStepRetryAttempt     = "step_retry_attempt"
	EventStepFallbackContinue = "step_fallback_continue"
	EventStepFallbackStop     = "step_fallback_stop"

	EventBranchEvaluated = "branch_evaluated"
	EventParallelStarted = "parallel_started"
	EventParallelMerged  = "parallel_merged"
)
