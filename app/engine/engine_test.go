package engine

import (
	"encoding/json"
	"testing"

	"keeper/app/catalog"
	"keeper/app/db"
	"keeper/app/db/models"
	"keeper/app/states"
	"keeper/app/stores"
	"keeper/pkg/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	maintenance []string
	attention   []string
}

func (n *recordingNotifier) MaintenanceEntered(workflowID, workflowTitle, scriptRunID, taskID string) {
	n.maintenance = append(n.maintenance, workflowID+"/"+scriptRunID)
}

func (n *recordingNotifier) MutationNeedsAttention(mutationID, workflowID, toolNamespace, uiTitle string) {
	n.attention = append(n.attention, mutationID)
}

func (n *recordingNotifier) Close() error { return nil }

func newTestCore(t *testing.T) (*Core, *recordingNotifier) {
	t.Helper()
	conn, err := db.Init(&db.Config{Connection: "sqlite::memory:", PoolSize: 1})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { _ = conn.Close() })
	notifier := &recordingNotifier{}
	return NewCore(conn, nil, notifier, log.Discard()), notifier
}

func newWorkflow(t *testing.T, core *Core, id string) {
	t.Helper()
	require.NoError(t, core.Workflows.Create(nil, &models.Workflow{
		ID:     id,
		Title:  "Test workflow",
		Status: "active",
	}))
}

func newRun(t *testing.T, core *Core, workflowID string, handlerType states.HandlerType) *models.HandlerRun {
	t.Helper()
	run := &models.HandlerRun{
		WorkflowID:  workflowID,
		HandlerType: string(handlerType),
	}
	require.NoError(t, core.Runs.Create(nil, run))
	return run
}

func TestEnterMaintenanceMode(t *testing.T) {
	core, notifier := newTestCore(t)
	asserter := assert.New(t)
	newWorkflow(t, core, "wf-1")

	task, err := core.EnterMaintenanceMode(nil, MaintenanceParams{
		WorkflowID:    "wf-1",
		WorkflowTitle: "Test workflow",
		ScriptRunID:   "sr-1",
	})
	require.NoError(t, err)
	asserter.Equal(string(states.TaskMaintainer), task.Type)
	asserter.NotEmpty(task.ThreadID)
	asserter.Empty(task.ChatID)

	workflow, err := core.Workflows.Get(nil, "wf-1")
	require.NoError(t, err)
	asserter.True(workflow.Maintenance)
	asserter.Equal(1, workflow.MaintenanceFixCount)

	item, err := core.Inbox.Get(nil, "maintenance-wf-1-sr-1")
	require.NoError(t, err)
	asserter.Equal("task", item.Target)
	asserter.Equal(task.ID, item.TargetID)
	asserter.Equal("sr-1", item.SourceID)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(item.Content), &content))
	asserter.Equal("wf-1", content["workflow_id"])
	asserter.Equal("sr-1", content["script_run_id"])

	asserter.Equal([]string{"wf-1/sr-1"}, notifier.maintenance)

	// the new maintainer is schedulable straight away
	unhandled, err := core.Inbox.GetUnhandled(nil)
	require.NoError(t, err)
	require.Len(t, unhandled, 1)
	asserter.Equal(task.ID, unhandled[0].TargetID)
}

func TestEnterMaintenanceModeRepeats(t *testing.T) {
	core, _ := newTestCore(t)
	asserter := assert.New(t)
	newWorkflow(t, core, "wf-1")

	first, err := core.EnterMaintenanceMode(nil, MaintenanceParams{WorkflowID: "wf-1", ScriptRunID: "sr-1"})
	require.NoError(t, err)
	second, err := core.EnterMaintenanceMode(nil, MaintenanceParams{WorkflowID: "wf-1", ScriptRunID: "sr-2"})
	require.NoError(t, err)

	asserter.NotEqual(first.ID, second.ID)
	asserter.NotEqual(first.ThreadID, second.ThreadID)

	workflow, err := core.Workflows.Get(nil, "wf-1")
	require.NoError(t, err)
	asserter.Equal(2, workflow.MaintenanceFixCount)
}

func TestEnterMaintenanceModeRollsBack(t *testing.T) {
	core, notifier := newTestCore(t)
	asserter := assert.New(t)

	task, err := core.EnterMaintenanceMode(nil, MaintenanceParams{
		WorkflowID:  "wf-missing",
		ScriptRunID: "sr-1",
	})
	asserter.Error(err)
	asserter.Nil(task)
	asserter.Empty(notifier.maintenance)

	// nothing of the partial work survives
	unhandled, err := core.Inbox.GetUnhandled(nil)
	require.NoError(t, err)
	asserter.Empty(unhandled)
	var count int64
	require.NoError(t, core.Conn().DB().Model(&models.Task{}).Count(&count).Error)
	asserter.Zero(count)
}

func TestReleaseAbandonedReservations(t *testing.T) {
	core, _ := newTestCore(t)
	asserter := assert.New(t)
	newWorkflow(t, core, "wf-1")
	producer := newRun(t, core, "wf-1", states.HandlerProducer)
	dead := newRun(t, core, "wf-1", states.HandlerConsumer)
	alive := newRun(t, core, "wf-1", states.HandlerConsumer)

	for _, msg := range []string{"msg-1", "msg-2", "msg-3"} {
		_, err := core.Events.Publish(nil, "wf-1", "emails", stores.PublishParams{MessageID: msg}, producer.ID)
		require.NoError(t, err)
	}

	claimed, err := core.Events.Reserve(nil, dead.ID, []stores.TopicSelection{
		{Topic: "emails", MessageIDs: []string{"msg-1", "msg-2"}},
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	claimed, err = core.Events.Reserve(nil, alive.ID, []stores.TopicSelection{
		{Topic: "emails", MessageIDs: []string{"msg-3"}},
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, core.Runs.Finish(nil, dead, states.Failed("logic")))

	released, err := core.ReleaseAbandonedReservations(nil)
	require.NoError(t, err)
	asserter.Equal(int64(2), released)

	// the dead run's events are redeliverable with a bumped attempt count
	events, err := core.Events.GetReservedBy(nil, dead.ID)
	require.NoError(t, err)
	asserter.Empty(events)
	event, err := core.Events.Get(nil, claimedID(t, core, "msg-1"))
	require.NoError(t, err)
	asserter.Equal(string(states.EventPending), event.Status)
	asserter.Equal(1, event.AttemptNumber)

	// the live run keeps its reservation
	events, err = core.Events.GetReservedBy(nil, alive.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	asserter.Equal("msg-3", events[0].MessageID)

	// idempotent: a second sweep finds nothing
	released, err = core.ReleaseAbandonedReservations(nil)
	require.NoError(t, err)
	asserter.Zero(released)
}

func claimedID(t *testing.T, core *Core, messageID string) string {
	t.Helper()
	event := &models.Event{}
	require.NoError(t, core.Conn().DB().First(event, "message_id = ?", messageID).Error)
	return event.ID
}

func TestRecordIndeterminateOutcomeRouting(t *testing.T) {
	conn, err := db.Init(&db.Config{Connection: "sqlite::memory:", PoolSize: 1})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { _ = conn.Close() })

	cat, err := catalog.Parse([]byte(`
connectors:
  - namespace: gmail
    methods:
      - name: send
        reconcilable: true
      - name: archive
`))
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	core := NewCore(conn, cat, notifier, log.Discard())
	asserter := assert.New(t)

	newWorkflow(t, core, "wf-1")
	run := newRun(t, core, "wf-1", states.HandlerConsumer)

	reconcilable, err := core.Mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, core.Mutations.MarkInFlight(nil, reconcilable.ID, stores.ToolCall{
		Namespace: "gmail", Method: "send",
	}))
	require.NoError(t, core.RecordIndeterminateOutcome(nil, reconcilable.ID))

	stored, err := core.Mutations.Get(nil, reconcilable.ID)
	require.NoError(t, err)
	asserter.Equal(string(states.MutationNeedsReconcile), stored.Status)
	asserter.NotNil(stored.NextReconcileAt)
	asserter.Empty(notifier.attention)

	// a method the catalog cannot re-query skips the reconcile schedule
	opaque, err := core.Mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, core.Mutations.MarkInFlight(nil, opaque.ID, stores.ToolCall{
		Namespace: "gmail", Method: "archive",
	}))
	require.NoError(t, core.RecordIndeterminateOutcome(nil, opaque.ID))

	stored, err = core.Mutations.Get(nil, opaque.ID)
	require.NoError(t, err)
	asserter.Equal(string(states.MutationIndeterminate), stored.Status)
	asserter.Nil(stored.NextReconcileAt)
	asserter.Equal([]string{opaque.ID}, notifier.attention)

	attention, err := core.Mutations.ListNeedsAttention(nil, "wf-1")
	require.NoError(t, err)
	require.Len(t, attention, 1)
	asserter.Equal(opaque.ID, attention[0].ID)
}

func TestReleaseAbandonedSkipsMissingRunRow(t *testing.T) {
	core, _ := newTestCore(t)
	asserter := assert.New(t)
	newWorkflow(t, core, "wf-1")
	producer := newRun(t, core, "wf-1", states.HandlerProducer)
	ghost := newRun(t, core, "wf-1", states.HandlerConsumer)

	_, err := core.Events.Publish(nil, "wf-1", "emails", stores.PublishParams{MessageID: "msg-1"}, producer.ID)
	require.NoError(t, err)
	_, err = core.Events.Reserve(nil, ghost.ID, []stores.TopicSelection{
		{Topic: "emails", MessageIDs: []string{"msg-1"}},
	})
	require.NoError(t, err)

	// simulate a run row lost mid-flight
	require.NoError(t, core.Conn().DB().Delete(&models.HandlerRun{}, "id = ?", ghost.ID).Error)

	released, err := core.ReleaseAbandonedReservations(nil)
	require.NoError(t, err)
	asserter.Equal(int64(1), released)
}
