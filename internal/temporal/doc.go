// Package temporal hosts review pipeline runs on Temporal.
//
// A run is one PipelineWorkflow execution with the ID "review-<uuid>", so a
// review never has two runs in flight. The workflow calls a single
// RunPipeline activity that drives the orchestrator; checkpoints live in
// Postgres, which lets a retried attempt resume instead of starting over.
//
//	c, err := temporal.NewClient(cfg)
//	rc := temporal.NewReviewClient(c, cfg)
//	info, err := rc.Execute(ctx, reviewID, "", nil)
//
// Errors from the client are *TemporalError values; use IsWorkflowNotFound
// and IsWorkflowAlreadyStarted to branch on them.
package temporal
