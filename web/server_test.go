package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"keeper/app/config"
	"keeper/app/db"
	"keeper/app/db/models"
	"keeper/app/engine"
	"keeper/app/states"
	"keeper/app/stores"
	"keeper/pkg/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *engine.Core) {
	t.Helper()
	conn, err := db.Init(&db.Config{Connection: "sqlite::memory:", PoolSize: 1})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { _ = conn.Close() })

	core := engine.NewCore(conn, nil, nil, log.Discard())
	server := NewServer(config.APIConfig{Host: "127.0.0.1", Port: 0}, core, log.Discard())
	return server, core
}

func do(t *testing.T, server *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func seedMutation(t *testing.T, core *engine.Core) *models.Mutation {
	t.Helper()
	require.NoError(t, core.Workflows.Create(nil, &models.Workflow{ID: "wf-1", Title: "Test"}))
	run := &models.HandlerRun{WorkflowID: "wf-1", HandlerType: string(states.HandlerConsumer)}
	require.NoError(t, core.Runs.Create(nil, run))
	mutation, err := core.Mutations.Create(nil, run.ID, "wf-1")
	require.NoError(t, err)
	require.NoError(t, core.Mutations.MarkInFlight(nil, mutation.ID, stores.ToolCall{
		Namespace: "gmail", Method: "send",
	}))
	require.NoError(t, core.Mutations.MarkIndeterminate(nil, mutation.ID))
	return mutation
}

func TestListInputsEmpty(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodGet, "/v1/workflows/wf-1/inputs", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestNeedsAttentionCounts(t *testing.T) {
	server, core := newTestServer(t)
	seedMutation(t, core)

	rec := do(t, server, http.MethodGet, "/v1/workflows/wf-1/attention", nil)
	require.Equal(t, 200, rec.Code)

	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts["mutations"])
	assert.Equal(t, 0, counts["stale_inputs"])
}

func TestResolveMutation(t *testing.T) {
	server, core := newTestServer(t)
	asserter := assert.New(t)
	mutation := seedMutation(t, core)

	rec := do(t, server, http.MethodPost, "/v1/mutations/"+mutation.ID+"/resolve",
		[]byte(`{"resolution":"user_skip"}`))
	require.Equal(t, 200, rec.Code)

	stored, err := core.Mutations.Get(nil, mutation.ID)
	require.NoError(t, err)
	asserter.Equal(string(states.MutationFailed), stored.Status)
	asserter.Equal(string(states.ResolvedByUserSkip), stored.ResolvedBy)

	// second resolve conflicts
	rec = do(t, server, http.MethodPost, "/v1/mutations/"+mutation.ID+"/resolve",
		[]byte(`{"resolution":"user_assert_failed"}`))
	asserter.Equal(409, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/mutations/"+mutation.ID+"/resolve",
		[]byte(`{"resolution":`))
	asserter.Equal(400, rec.Code)
}

func TestStaleInputsRejectsBadQuery(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodGet, "/v1/workflows/wf-1/inputs/stale?max_age_hours=soon", nil)
	assert.Equal(t, 400, rec.Code)
}

func TestReleaseReservationsEndpoint(t *testing.T) {
	server, core := newTestServer(t)
	require.NoError(t, core.Workflows.Create(nil, &models.Workflow{ID: "wf-1", Title: "Test"}))
	producer := &models.HandlerRun{WorkflowID: "wf-1", HandlerType: string(states.HandlerProducer)}
	require.NoError(t, core.Runs.Create(nil, producer))
	consumer := &models.HandlerRun{WorkflowID: "wf-1", HandlerType: string(states.HandlerConsumer)}
	require.NoError(t, core.Runs.Create(nil, consumer))

	_, err := core.Events.Publish(nil, "wf-1", "emails", stores.PublishParams{MessageID: "msg-1"}, producer.ID)
	require.NoError(t, err)
	_, err = core.Events.Reserve(nil, consumer.ID, []stores.TopicSelection{
		{Topic: "emails", MessageIDs: []string{"msg-1"}},
	})
	require.NoError(t, err)
	require.NoError(t, core.Runs.Finish(nil, consumer, states.Failed("network")))

	rec := do(t, server, http.MethodPost, "/v1/recovery/reservations", nil)
	require.Equal(t, 200, rec.Code)

	var body map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body["released"])
}
