package engine

import (
	"keeper/pkg/contextx"
)

// RecordIndeterminateOutcome marks a dispatched mutation whose response was
// lost and routes it: methods the connector catalog knows how to re-query
// enter the reconcile schedule, anything else goes straight to a human.
func (c *Core) RecordIndeterminateOutcome(ctx *contextx.Context, mutationID string) error {
	if err := c.Mutations.MarkIndeterminate(ctx, mutationID); err != nil {
		return err
	}
	mutation, err := c.Mutations.Get(ctx, mutationID)
	if err != nil {
		return err
	}

	if c.catalog.Reconcilable(mutation.ToolNamespace, mutation.ToolMethod) {
		return c.Mutations.EnqueueReconcile(ctx, mutationID)
	}

	c.log.Warnf("Mutation %s (%s.%s) is indeterminate and not reconcilable, needs human resolution",
		mutation.ID, mutation.ToolNamespace, mutation.ToolMethod)
	c.notifier.MutationNeedsAttention(mutation.ID, mutation.WorkflowID, mutation.ToolNamespace, mutation.UITitle)
	return nil
}
