package stores

import (
	"time"

	"keeper/app/db"
	"keeper/app/db/models"
	"keeper/app/states"
	"keeper/pkg/contextx"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// defaultStaleAge is how long a pending input may sit before it counts as
// needing attention.
const defaultStaleAge = 7 * 24 * time.Hour

// InputStore registers deduplicated external items. An input's status is
// never stored: it is derived from the event log every time it is read, so
// it cannot drift from the single source of truth.
type InputStore struct {
	conn *db.Conn
	log  *logrus.Entry
}

func NewInputStore(conn *db.Conn, logger *logrus.Logger) *InputStore {
	return &InputStore{
		conn: conn,
		log:  logger.WithField("name", "stores.input"),
	}
}

type RegisterParams struct {
	Source     string
	Type       string
	ExternalID string
	Title      string
}

// Register inserts the item, or returns the existing id when the same
// (workflow, source, type, external id) was seen before. Only the first
// registration's title and provenance stick.
func (s *InputStore) Register(ctx *contextx.Context, workflowID string, p RegisterParams, createdByRunID string) (string, error) {
	if existing, err := s.getByExternal(ctx, workflowID, p); err == nil {
		return existing.ID, nil
	} else if !IsNotFoundError(err) {
		return "", err
	}

	input := &models.Input{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		Source:         p.Source,
		Type:           p.Type,
		ExternalID:     p.ExternalID,
		Title:          p.Title,
		CreatedByRunID: createdByRunID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := session(s.conn, ctx).Create(input).Error; err != nil {
		// lost the unique index race: the first registration sticks
		if existing, qerr := s.getByExternal(ctx, workflowID, p); qerr == nil {
			return existing.ID, nil
		}
		return "", err
	}
	return input.ID, nil
}

func (s *InputStore) getByExternal(ctx *contextx.Context, workflowID string, p RegisterParams) (*models.Input, error) {
	input := &models.Input{}
	err := session(s.conn, ctx).
		First(input, "workflow_id = ? AND source = ? AND type = ? AND external_id = ?",
			workflowID, p.Source, p.Type, p.ExternalID).Error
	if err != nil {
		return nil, err
	}
	return input, nil
}

func (s *InputStore) Get(ctx *contextx.Context, id string) (*models.Input, error) {
	input := &models.Input{}
	if err := session(s.conn, ctx).First(input, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return input, nil
}

type InputWithStatus struct {
	*models.Input
	Status states.InputStatus `json:"status"`
}

type eventRollup struct {
	InputID  string
	Total    int
	Consumed int
}

func (s *InputStore) rollups(ctx *contextx.Context, workflowID string) (map[string]eventRollup, error) {
	var rows []eventRollup
	err := session(s.conn, ctx).Raw(`
		SELECT event_causes.input_id AS input_id,
		       COUNT(events.id) AS total,
		       SUM(CASE WHEN events.status = ? THEN 1 ELSE 0 END) AS consumed
		FROM event_causes
		JOIN events ON events.id = event_causes.event_id
		JOIN inputs ON inputs.id = event_causes.input_id
		WHERE inputs.workflow_id = ?
		GROUP BY event_causes.input_id`,
		string(states.EventConsumed), workflowID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	byInput := map[string]eventRollup{}
	for _, row := range rows {
		byInput[row.InputID] = row
	}
	return byInput, nil
}

// GetByWorkflowWithStatus returns the workflow's inputs with their derived
// status: pending until every event the input caused has been consumed, and
// pending while it has caused no events at all.
func (s *InputStore) GetByWorkflowWithStatus(ctx *contextx.Context, workflowID string) ([]*InputWithStatus, error) {
	var inputs []*models.Input
	err := session(s.conn, ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at, id").
		Find(&inputs).Error
	if err != nil {
		return nil, err
	}

	byInput, err := s.rollups(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	result := make([]*InputWithStatus, 0, len(inputs))
	for _, input := range inputs {
		status := states.InputPending
		if rollup, ok := byInput[input.ID]; ok && rollup.Total > 0 && rollup.Consumed == rollup.Total {
			status = states.InputDone
		}
		result = append(result, &InputWithStatus{Input: input, Status: status})
	}
	return result, nil
}

type InputStats struct {
	Source  string `json:"source"`
	Type    string `json:"type"`
	Total   int    `json:"total"`
	Pending int    `json:"pending"`
	Done    int    `json:"done"`
}

// GetStatsByWorkflow aggregates input counts grouped by (source, type).
func (s *InputStore) GetStatsByWorkflow(ctx *contextx.Context, workflowID string) ([]*InputStats, error) {
	inputs, err := s.GetByWorkflowWithStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	type key struct{ source, typ string }
	byKey := map[key]*InputStats{}
	var order []key
	for _, input := range inputs {
		k := key{input.Source, input.Type}
		stats, ok := byKey[k]
		if !ok {
			stats = &InputStats{Source: input.Source, Type: input.Type}
			byKey[k] = stats
			order = append(order, k)
		}
		stats.Total++
		switch input.Status {
		case states.InputDone:
			stats.Done++
		case states.InputPending:
			stats.Pending++
		}
	}

	result := make([]*InputStats, 0, len(order))
	for _, k := range order {
		result = append(result, byKey[k])
	}
	return result, nil
}

// GetStaleInputs returns inputs still pending after maxAge (7 days when
// zero): their producer chain never finished.
func (s *InputStore) GetStaleInputs(ctx *contextx.Context, workflowID string, maxAge time.Duration) ([]*InputWithStatus, error) {
	if maxAge == 0 {
		maxAge = defaultStaleAge
	}
	inputs, err := s.GetByWorkflowWithStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	var stale []*InputWithStatus
	for _, input := range inputs {
		if input.Status == states.InputPending && input.CreatedAt.Before(cutoff) {
			stale = append(stale, input)
		}
	}
	return stale, nil
}

func (s *InputStore) CountNeedsAttention(ctx *contextx.Context, workflowID string, maxAge time.Duration) (int, error) {
	stale, err := s.GetStaleInputs(ctx, workflowID, maxAge)
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// DeleteByWorkflow removes the workflow's inputs and their provenance rows.
func (s *InputStore) DeleteByWorkflow(ctx *contextx.Context, workflowID string) error {
	run := func(sub *contextx.Context) error {
		err := session(s.conn, sub).Exec(`
			DELETE FROM event_causes WHERE input_id IN
				(SELECT id FROM inputs WHERE workflow_id = ?)`, workflowID).Error
		if err != nil {
			return err
		}
		return session(s.conn, sub).
			Where("workflow_id = ?", workflowID).
			Delete(&models.Input{}).Error
	}
	if ctx != nil && ctx.InTransaction() {
		return run(ctx)
	}
	return Transaction(s.conn, ctx, run)
}
