package engine

import (
	"keeper/app/states"
	"keeper/app/stores"
	"keeper/pkg/contextx"
)

// ReleaseAbandonedReservations frees events still reserved by runs that are
// no longer active: the run finished (or its row is gone) without consuming
// them, so the messages go back to pending for re-delivery. Reservations of
// active runs are left alone; a resuming run expects to find them intact.
func (c *Core) ReleaseAbandonedReservations(ctx *contextx.Context) (int64, error) {
	runIDs, err := c.Events.ReservingRunIDs(ctx)
	if err != nil {
		return 0, err
	}

	var released int64
	for _, runID := range runIDs {
		run, err := c.Runs.Get(ctx, runID)
		if err != nil {
			if !stores.IsNotFoundError(err) {
				return released, err
			}
			// run row gone, e.g. session teardown mid-flight
		} else if !states.ParseRunStatus(run.Status).IsTerminal() {
			continue
		}
		count, err := c.Events.Release(ctx, runID)
		if err != nil {
			return released, err
		}
		if count > 0 {
			c.log.Infof("Released %d event(s) reserved by dead run %s", count, runID)
		}
		released += count
	}
	return released, nil
}
