package engine

import (
	"encoding/json"
	"fmt"

	"keeper/app/db/models"
	"keeper/app/states"
	"keeper/app/stores"
	"keeper/pkg/contextx"

	"github.com/google/uuid"
)

type MaintenanceParams struct {
	WorkflowID    string
	WorkflowTitle string
	ScriptRunID   string
}

// EnterMaintenanceMode switches a workflow into maintenance after an
// irrecoverable handler failure. The maintainer task, the workflow flag and
// the inbox item targeting the task commit as one unit: a crash must not
// leave a maintainer without a way to be scheduled, nor a flag without a
// task.
func (c *Core) EnterMaintenanceMode(ctx *contextx.Context, p MaintenanceParams) (*models.Task, error) {
	task := &models.Task{
		ID:         uuid.NewString(),
		Type:       string(states.TaskMaintainer),
		WorkflowID: p.WorkflowID,
		State:      "created",
		// own thread; maintenance reasoning never shows up in the user chat
		ThreadID: uuid.NewString(),
	}

	content, err := json.Marshal(map[string]interface{}{
		"workflow_id":    p.WorkflowID,
		"workflow_title": p.WorkflowTitle,
		"script_run_id":  p.ScriptRunID,
	})
	if err != nil {
		return nil, err
	}

	err = stores.Transaction(c.conn, ctx, func(subCtx *contextx.Context) error {
		if err := c.Tasks.Create(subCtx, task); err != nil {
			return err
		}
		if err := c.Workflows.EnterMaintenance(subCtx, p.WorkflowID); err != nil {
			return err
		}
		item := &models.InboxItem{
			ID:       fmt.Sprintf("maintenance-%s-%s", p.WorkflowID, p.ScriptRunID),
			Source:   "script",
			SourceID: p.ScriptRunID,
			Target:   "task",
			TargetID: task.ID,
			Content:  string(content),
		}
		return c.Inbox.Add(subCtx, item)
	})
	if err != nil {
		return nil, err
	}

	c.log.Infof("Workflow %s entered maintenance mode [script_run=%s, task=%s]",
		p.WorkflowID, p.ScriptRunID, task.ID)
	c.notifier.MaintenanceEntered(p.WorkflowID, p.WorkflowTitle, p.ScriptRunID, task.ID)
	return task, nil
}
