// Package workflow implements the orchestration engine that drives agent
// workflows from trigger to terminal state.
//
// A workflow is identified by a deterministic fingerprint over the agent,
// the workflow type and a business key, so duplicate triggers collapse into
// a single record. The engine executes each workflow as an ordered step
// sequence; every step persists its outcome under a step fingerprint before
// the cursor advances, which lets a restarted engine replay completed steps
// from the idempotency store without repeating their external effects.
//
// Step failures are classified by error code. Transient failures retry with
// exponential backoff inside a bounded attempt budget; policy rejections and
// unprofitable evaluations abort the workflow; resource exhaustion fails the
// workflow and suspends the owning agent. Cancellation is cooperative and
// only observed at step boundaries, so an in-flight ledger call is never
// torn down halfway.
package workflow
