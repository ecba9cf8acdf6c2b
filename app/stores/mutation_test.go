package stores

import (
	"sync"
	"testing"
	"time"

	"keeper/app/catalog"
	"keeper/app/db/models"
	"keeper/app/states"
	"keeper/pkg/gormx"
	"keeper/pkg/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationResultForNext(t *testing.T) {
	asserter := assert.New(t)

	result, err := MutationResultForNext(nil)
	if asserter.NoError(err) {
		asserter.Equal(NextNone, result.Status)
	}

	result, err = MutationResultForNext(&models.Mutation{
		Status: string(states.MutationApplied),
		Result: `{"x":1}`,
	})
	if asserter.NoError(err) {
		asserter.Equal(NextApplied, result.Status)
		asserter.Equal(map[string]interface{}{"x": float64(1)}, result.Result)
	}

	// applied with an empty result parses to nil
	result, err = MutationResultForNext(&models.Mutation{Status: string(states.MutationApplied)})
	if asserter.NoError(err) {
		asserter.Equal(NextApplied, result.Status)
		asserter.Nil(result.Result)
	}

	result, err = MutationResultForNext(&models.Mutation{
		Status:     string(states.MutationFailed),
		ResolvedBy: string(states.ResolvedByUserSkip),
	})
	if asserter.NoError(err) {
		asserter.Equal(NextSkipped, result.Status)
	}

	// failed without a skip must never reach downstream silently
	_, err = MutationResultForNext(&models.Mutation{Status: string(states.MutationFailed)})
	if asserter.Error(err) {
		asserter.Contains(err.Error(), "failed mutation without skip")
	}

	for _, status := range []states.MutationStatus{
		states.MutationPending, states.MutationInFlight,
		states.MutationIndeterminate, states.MutationNeedsReconcile,
	} {
		_, err = MutationResultForNext(&models.Mutation{Status: string(status)})
		if asserter.Error(err) {
			asserter.Contains(err.Error(), "mutation status in next phase")
			asserter.Contains(err.Error(), string(status))
		}
	}
}

func TestMutationLifecycle(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	mutations := NewMutationStore(conn, nil, log.Discard())
	newWorkflow(t, conn, "wf-1")
	run := newRun(t, conn, "wf-1", states.HandlerConsumer)

	mutation, err := mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	asserter.Equal(string(states.MutationPending), mutation.Status)

	// applied before dispatch is a bug
	asserter.Error(mutations.MarkApplied(nil, mutation.ID, "{}"))

	call := ToolCall{
		Namespace:      "gmail",
		Method:         "send",
		Params:         gormx.MapJson{"to": "a@b.c"},
		IdempotencyKey: "idem-1",
	}
	require.NoError(t, mutations.MarkInFlight(nil, mutation.ID, call))
	asserter.Error(mutations.MarkInFlight(nil, mutation.ID, call))

	stored, err := mutations.Get(nil, mutation.ID)
	if asserter.NoError(err) {
		asserter.Equal(string(states.MutationInFlight), stored.Status)
		asserter.Equal("idem-1", stored.IdempotencyKey)
		asserter.Equal("gmail.send", stored.UITitle)
	}

	require.NoError(t, mutations.MarkApplied(nil, mutation.ID, `{"id":"sent-1"}`))
	stored, err = mutations.Get(nil, mutation.ID)
	if asserter.NoError(err) {
		asserter.Equal(string(states.MutationApplied), stored.Status)
		asserter.NotNil(stored.ResolvedAt)
	}

	// terminal states stay put
	asserter.Error(mutations.MarkFailed(nil, mutation.ID, "late failure"))
}

func TestMutationUITitleFromCatalog(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	cat, err := catalog.Parse([]byte(`
connectors:
  - namespace: gmail
    methods:
      - name: send
        ui_title: "Send email to {{ to }}"
        reconcilable: true
`))
	require.NoError(t, err)
	mutations := NewMutationStore(conn, cat, log.Discard())
	newWorkflow(t, conn, "wf-1")
	run := newRun(t, conn, "wf-1", states.HandlerConsumer)

	mutation, err := mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, mutation.ID, ToolCall{
		Namespace: "gmail",
		Method:    "send",
		Params:    gormx.MapJson{"to": "a@b.c"},
	}))

	stored, err := mutations.Get(nil, mutation.ID)
	if asserter.NoError(err) {
		asserter.Equal("Send email to a@b.c", stored.UITitle)
	}
}

func TestReconcileClaimIsExclusive(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	mutations := NewMutationStore(conn, nil, log.Discard())
	newWorkflow(t, conn, "wf-1")
	run := newRun(t, conn, "wf-1", states.HandlerConsumer)

	mutation, err := mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, mutation.ID, ToolCall{Namespace: "gmail", Method: "send"}))
	require.NoError(t, mutations.MarkIndeterminate(nil, mutation.ID))
	require.NoError(t, mutations.EnqueueReconcile(nil, mutation.ID))

	now := time.Now().UTC().Add(time.Second)
	claimed, err := mutations.ClaimForReconcile(nil, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	asserter.Equal(mutation.ID, claimed.ID)
	asserter.Equal(1, claimed.ReconcileAttempts)
	asserter.Nil(claimed.NextReconcileAt)

	// claimed means off the schedule: nobody else gets it
	second, err := mutations.ClaimForReconcile(nil, now)
	require.NoError(t, err)
	asserter.Nil(second)

	// rescheduling makes it claimable after the backoff
	nextAt := now.Add(time.Minute)
	require.NoError(t, mutations.FinishReconcile(nil, mutation.ID, ReconcileOutcome{
		Status:        states.MutationNeedsReconcile,
		NextAttemptAt: &nextAt,
	}))

	early, err := mutations.ClaimForReconcile(nil, now)
	require.NoError(t, err)
	asserter.Nil(early)

	late, err := mutations.ClaimForReconcile(nil, nextAt.Add(time.Second))
	require.NoError(t, err)
	if asserter.NotNil(late) {
		asserter.Equal(2, late.ReconcileAttempts)
	}
}

func TestClaimForReconcileSingleWinner(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	mutations := NewMutationStore(conn, nil, log.Discard())
	newWorkflow(t, conn, "wf-1")
	run := newRun(t, conn, "wf-1", states.HandlerConsumer)

	mutation, err := mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, mutation.ID, ToolCall{Namespace: "gmail", Method: "send"}))
	require.NoError(t, mutations.MarkIndeterminate(nil, mutation.ID))
	require.NoError(t, mutations.EnqueueReconcile(nil, mutation.ID))

	now := time.Now().UTC().Add(time.Second)
	claims := make([]*models.Mutation, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = mutations.ClaimForReconcile(nil, now)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	winners := 0
	for _, claimed := range claims {
		if claimed != nil {
			winners++
			asserter.Equal(mutation.ID, claimed.ID)
			asserter.Equal(1, claimed.ReconcileAttempts)
		}
	}
	asserter.Equal(1, winners)

	stored, err := mutations.Get(nil, mutation.ID)
	require.NoError(t, err)
	asserter.Equal(1, stored.ReconcileAttempts)
}

func TestNeedsAttentionSkipsReconcilingMutations(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	mutations := NewMutationStore(conn, nil, log.Discard())
	newWorkflow(t, conn, "wf-1")
	run := newRun(t, conn, "wf-1", states.HandlerConsumer)

	mutation, err := mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, mutation.ID, ToolCall{Namespace: "gmail", Method: "send"}))
	require.NoError(t, mutations.MarkIndeterminate(nil, mutation.ID))

	// indeterminate and unscheduled: a human's problem
	attention, err := mutations.ListNeedsAttention(nil, "wf-1")
	require.NoError(t, err)
	require.Len(t, attention, 1)

	// back in the loop: not listed while scheduled
	require.NoError(t, mutations.EnqueueReconcile(nil, mutation.ID))
	attention, err = mutations.ListNeedsAttention(nil, "wf-1")
	require.NoError(t, err)
	asserter.Empty(attention)

	// nor while a reconciler holds the claim mid-probe
	claimed, err := mutations.ClaimForReconcile(nil, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	attention, err = mutations.ListNeedsAttention(nil, "wf-1")
	require.NoError(t, err)
	asserter.Empty(attention)

	// attempts exhausted: indeterminate again, listed again
	require.NoError(t, mutations.FinishReconcile(nil, mutation.ID, ReconcileOutcome{
		Status: states.MutationIndeterminate,
	}))
	attention, err = mutations.ListNeedsAttention(nil, "wf-1")
	require.NoError(t, err)
	require.Len(t, attention, 1)
	asserter.Equal(mutation.ID, attention[0].ID)
	asserter.Nil(attention[0].NextReconcileAt)
}

func TestFinishReconcileSettles(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	mutations := NewMutationStore(conn, nil, log.Discard())
	newWorkflow(t, conn, "wf-1")
	run := newRun(t, conn, "wf-1", states.HandlerConsumer)

	mutation, err := mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, mutation.ID, ToolCall{Namespace: "gmail", Method: "send"}))
	require.NoError(t, mutations.MarkIndeterminate(nil, mutation.ID))
	require.NoError(t, mutations.EnqueueReconcile(nil, mutation.ID))

	_, err = mutations.ClaimForReconcile(nil, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, mutations.FinishReconcile(nil, mutation.ID, ReconcileOutcome{
		Status: states.MutationApplied,
		Result: `{"id":"found-1"}`,
	}))

	stored, err := mutations.Get(nil, mutation.ID)
	if asserter.NoError(err) {
		asserter.Equal(string(states.MutationApplied), stored.Status)
		asserter.Equal(string(states.ResolvedByReconciler), stored.ResolvedBy)
	}

	result, err := MutationResultForNext(stored)
	if asserter.NoError(err) {
		asserter.Equal(NextApplied, result.Status)
	}
}

func TestUserResolution(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	mutations := NewMutationStore(conn, nil, log.Discard())
	newWorkflow(t, conn, "wf-1")
	run := newRun(t, conn, "wf-1", states.HandlerConsumer)

	mutation, err := mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, mutation.ID, ToolCall{Namespace: "gmail", Method: "send"}))
	require.NoError(t, mutations.MarkIndeterminate(nil, mutation.ID))

	asserter.Error(mutations.Resolve(nil, mutation.ID, states.ResolvedByReconciler))
	asserter.Error(mutations.Resolve(nil, mutation.ID, "whatever"))

	require.NoError(t, mutations.Resolve(nil, mutation.ID, states.ResolvedByUserSkip))

	stored, err := mutations.Get(nil, mutation.ID)
	require.NoError(t, err)
	result, err := MutationResultForNext(stored)
	if asserter.NoError(err) {
		asserter.Equal(NextSkipped, result.Status)
	}

	// a settled mutation cannot be re-resolved
	asserter.Error(mutations.Resolve(nil, mutation.ID, states.ResolvedByUserAsserted))
}

func TestOutputStatsAndProvenance(t *testing.T) {
	conn := openTestDB(t)
	asserter := assert.New(t)
	mutations := NewMutationStore(conn, nil, log.Discard())
	events := NewEventStore(conn, log.Discard())
	inputs := NewInputStore(conn, log.Discard())
	newWorkflow(t, conn, "wf-1")
	producer := newRun(t, conn, "wf-1", states.HandlerProducer)
	consumer := newRun(t, conn, "wf-1", states.HandlerConsumer)

	inputID, err := inputs.Register(nil, "wf-1", RegisterParams{
		Source: "gmail", Type: "email", ExternalID: "e-1",
	}, producer.ID)
	require.NoError(t, err)
	_, err = events.Publish(nil, "wf-1", "emails", PublishParams{
		MessageID: "msg-1", CausedBy: []string{inputID},
	}, producer.ID)
	require.NoError(t, err)
	_, err = events.Reserve(nil, consumer.ID, []TopicSelection{{Topic: "emails", MessageIDs: []string{"msg-1"}}})
	require.NoError(t, err)

	applied, err := mutations.Create(nil, consumer.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, applied.ID, ToolCall{Namespace: "gmail", Method: "send"}))
	require.NoError(t, mutations.MarkApplied(nil, applied.ID, "{}"))

	failed, err := mutations.Create(nil, consumer.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, mutations.MarkInFlight(nil, failed.ID, ToolCall{Namespace: "slack", Method: "post"}))
	require.NoError(t, mutations.MarkFailed(nil, failed.ID, "boom"))

	stats, err := mutations.GetOutputStatsByWorkflow(nil, "wf-1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	asserter.Equal("gmail", stats[0].ToolNamespace)
	asserter.Equal(1, stats[0].Applied)
	asserter.Equal(0, stats[0].Failed)
	asserter.Equal("slack", stats[1].ToolNamespace)
	asserter.Equal(1, stats[1].Failed)

	chained, err := mutations.GetByInputID(nil, inputID)
	if asserter.NoError(err) {
		asserter.Len(chained, 2)
	}

	attention, err := mutations.ListNeedsAttention(nil, "wf-1")
	if asserter.NoError(err) && asserter.Len(attention, 1) {
		asserter.Equal(failed.ID, attention[0].ID)
	}
}
