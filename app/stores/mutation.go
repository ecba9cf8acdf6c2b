package stores

import (
	"fmt"
	"time"

	"keeper/app/catalog"
	"keeper/app/db"
	"keeper/app/db/models"
	"keeper/app/states"
	"keeper/pkg/contextx"
	"keeper/pkg/gormx"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MutationStore tracks every outbound side-effecting call. Transitions are
// conditional updates guarded on the current status, so a crashed or
// concurrent writer cannot resurrect a settled mutation.
type MutationStore struct {
	conn    *db.Conn
	catalog *catalog.Catalog
	log     *logrus.Entry
}

func NewMutationStore(conn *db.Conn, cat *catalog.Catalog, logger *logrus.Logger) *MutationStore {
	if cat == nil {
		cat = catalog.Empty()
	}
	return &MutationStore{
		conn:    conn,
		catalog: cat,
		log:     logger.WithField("name", "stores.mutation"),
	}
}

// Create records the intent before anything is dispatched.
func (s *MutationStore) Create(ctx *contextx.Context, handlerRunID, workflowID string) (*models.Mutation, error) {
	mutation := &models.Mutation{
		ID:           uuid.NewString(),
		HandlerRunID: handlerRunID,
		WorkflowID:   workflowID,
		Status:       string(states.MutationPending),
	}
	mutation.CreatedAt = time.Now().UTC()
	mutation.UpdatedAt = mutation.CreatedAt
	if err := session(s.conn, ctx).Create(mutation).Error; err != nil {
		return nil, err
	}
	return mutation, nil
}

func (s *MutationStore) Get(ctx *contextx.Context, id string) (*models.Mutation, error) {
	mutation := &models.Mutation{}
	if err := session(s.conn, ctx).First(mutation, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return mutation, nil
}

// transition applies updates iff the mutation currently has one of the from
// statuses.
func (s *MutationStore) transition(ctx *contextx.Context, id string, from []states.MutationStatus, updates map[string]interface{}) error {
	fromRaw := make([]string, 0, len(from))
	for _, status := range from {
		fromRaw = append(fromRaw, string(status))
	}
	updates["updated_at"] = time.Now().UTC()
	result := session(s.conn, ctx).
		Model(&models.Mutation{}).
		Where("id = ? AND status IN ?", id, fromRaw).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("mutation %s cannot leave status '%s' this way", id, current.Status)
	}
	return nil
}

type ToolCall struct {
	Namespace      string
	Method         string
	Params         gormx.MapJson
	IdempotencyKey string
}

// MarkInFlight stamps the call details the moment it is dispatched. The
// idempotency key has to be recorded before the wire is touched, or a crash
// loses the only handle onto the remote effect.
func (s *MutationStore) MarkInFlight(ctx *contextx.Context, id string, call ToolCall) error {
	uiTitle := s.catalog.RenderUITitle(call.Namespace, call.Method, call.Params)
	return s.transition(ctx, id,
		[]states.MutationStatus{states.MutationPending},
		map[string]interface{}{
			"status":          string(states.MutationInFlight),
			"tool_namespace":  call.Namespace,
			"tool_method":     call.Method,
			"params":          call.Params,
			"idempotency_key": call.IdempotencyKey,
			"ui_title":        uiTitle,
		})
}

// MarkApplied settles the mutation: the call definitely took effect.
func (s *MutationStore) MarkApplied(ctx *contextx.Context, id string, result string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id,
		[]states.MutationStatus{states.MutationInFlight},
		map[string]interface{}{
			"status":      string(states.MutationApplied),
			"result":      result,
			"resolved_at": &now,
		})
}

// MarkFailed settles the mutation: the call definitely did not take effect.
func (s *MutationStore) MarkFailed(ctx *contextx.Context, id string, errMsg string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id,
		[]states.MutationStatus{states.MutationInFlight},
		map[string]interface{}{
			"status":      string(states.MutationFailed),
			"error":       errMsg,
			"resolved_at": &now,
		})
}

// MarkIndeterminate records that the outcome is unknowable locally: the
// process lost the response after dispatch.
func (s *MutationStore) MarkIndeterminate(ctx *contextx.Context, id string) error {
	return s.transition(ctx, id,
		[]states.MutationStatus{states.MutationInFlight},
		map[string]interface{}{
			"status": string(states.MutationIndeterminate),
		})
}

// EnqueueReconcile moves an indeterminate mutation into the reconciliation
// loop, due immediately.
func (s *MutationStore) EnqueueReconcile(ctx *contextx.Context, id string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id,
		[]states.MutationStatus{states.MutationIndeterminate},
		map[string]interface{}{
			"status":            string(states.MutationNeedsReconcile),
			"next_reconcile_at": &now,
		})
}

// ClaimForReconcile atomically takes the oldest due mutation out of the
// schedule (next_reconcile_at goes NULL while it is being probed), so two
// reconcilers can never work the same mutation. Returns nil when nothing is
// due.
func (s *MutationStore) ClaimForReconcile(ctx *contextx.Context, now time.Time) (*models.Mutation, error) {
	for {
		mutation := &models.Mutation{}
		err := session(s.conn, ctx).
			Where("status = ? AND next_reconcile_at IS NOT NULL AND next_reconcile_at <= ?",
				string(states.MutationNeedsReconcile), now).
			Order("next_reconcile_at, id").
			First(mutation).Error
		if err != nil {
			if IsNotFoundError(err) {
				return nil, nil
			}
			return nil, err
		}

		// the dueness bound repeats here so a claim-and-reschedule racing
		// between the read and this write cannot hand over a future row
		result := session(s.conn, ctx).
			Model(&models.Mutation{}).
			Where("id = ? AND status = ? AND next_reconcile_at IS NOT NULL AND next_reconcile_at <= ?",
				mutation.ID, string(states.MutationNeedsReconcile), now).
			Updates(map[string]interface{}{
				"next_reconcile_at":  nil,
				"last_reconcile_at":  now,
				"reconcile_attempts": mutation.ReconcileAttempts + 1,
				"updated_at":         now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			mutation.NextReconcileAt = nil
			lastAt := now
			mutation.LastReconcileAt = &lastAt
			mutation.ReconcileAttempts++
			return mutation, nil
		}
		// another reconciler claimed it first; look again
	}
}

// ReconcileOutcome is what a reconciliation round learned. Applied and
// failed settle the mutation; needs_reconcile puts it back on the schedule
// at NextAttemptAt; indeterminate takes it off the schedule for good and
// leaves it to a human.
type ReconcileOutcome struct {
	Status states.MutationStatus
	Result string
	Error  string
	// required when Status is needs_reconcile
	NextAttemptAt *time.Time
}

// FinishReconcile settles a claimed mutation or puts it back on the
// schedule.
func (s *MutationStore) FinishReconcile(ctx *contextx.Context, id string, outcome ReconcileOutcome) error {
	now := time.Now().UTC()
	switch outcome.Status {
	case states.MutationApplied:
		return s.transition(ctx, id,
			[]states.MutationStatus{states.MutationNeedsReconcile},
			map[string]interface{}{
				"status":      string(states.MutationApplied),
				"result":      outcome.Result,
				"resolved_by": string(states.ResolvedByReconciler),
				"resolved_at": &now,
			})
	case states.MutationFailed:
		return s.transition(ctx, id,
			[]states.MutationStatus{states.MutationNeedsReconcile},
			map[string]interface{}{
				"status":      string(states.MutationFailed),
				"error":       outcome.Error,
				"resolved_by": string(states.ResolvedByReconciler),
				"resolved_at": &now,
			})
	case states.MutationNeedsReconcile:
		if outcome.NextAttemptAt == nil {
			return fmt.Errorf("rescheduling mutation %s without a next attempt time", id)
		}
		return s.transition(ctx, id,
			[]states.MutationStatus{states.MutationNeedsReconcile},
			map[string]interface{}{
				"next_reconcile_at": outcome.NextAttemptAt,
			})
	case states.MutationIndeterminate:
		// off the schedule, waiting on a human
		return s.transition(ctx, id,
			[]states.MutationStatus{states.MutationNeedsReconcile},
			map[string]interface{}{
				"status":            string(states.MutationIndeterminate),
				"next_reconcile_at": nil,
			})
	case states.MutationPending, states.MutationInFlight:
	}
	return fmt.Errorf("reconciliation cannot finish with status '%s'", outcome.Status)
}

// Resolve is the human override for a mutation the system could not settle.
// A skip counts as failed-with-skip so downstream phases see a skipped
// result rather than an error.
func (s *MutationStore) Resolve(ctx *contextx.Context, id string, resolution states.Resolution) error {
	switch resolution {
	case states.ResolvedByUserSkip, states.ResolvedByUserAsserted:
	case states.ResolvedByReconciler:
		return fmt.Errorf("resolution '%s' is not a user resolution", resolution)
	default:
		return fmt.Errorf("unknown resolution '%s'", resolution)
	}
	now := time.Now().UTC()
	result := session(s.conn, ctx).
		Model(&models.Mutation{}).
		Where("id = ? AND status IN ? AND resolved_by = ''", id, []string{
			string(states.MutationFailed),
			string(states.MutationIndeterminate),
			string(states.MutationNeedsReconcile),
		}).
		Updates(map[string]interface{}{
			"status":            string(states.MutationFailed),
			"resolved_by":       string(resolution),
			"resolved_at":       &now,
			"next_reconcile_at": nil,
			"updated_at":        now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("mutation %s cannot be resolved from status '%s'", id, current.Status)
	}
	return nil
}

func (s *MutationStore) GetByHandlerRun(ctx *contextx.Context, runID string) ([]*models.Mutation, error) {
	var mutations []*models.Mutation
	err := session(s.conn, ctx).
		Where("handler_run_id = ?", runID).
		Order("created_at, id").
		Find(&mutations).Error
	return mutations, err
}

// GetByInputID follows provenance forward: the mutations made by runs that
// reserved events caused by the input.
func (s *MutationStore) GetByInputID(ctx *contextx.Context, inputID string) ([]*models.Mutation, error) {
	var mutations []*models.Mutation
	err := session(s.conn, ctx).
		Where(`handler_run_id IN (
			SELECT DISTINCT events.reserved_by_run_id
			FROM events
			JOIN event_causes ON event_causes.event_id = events.id
			WHERE event_causes.input_id = ? AND events.reserved_by_run_id <> '')`, inputID).
		Order("created_at, id").
		Find(&mutations).Error
	return mutations, err
}

type OutputStats struct {
	ToolNamespace string `json:"tool_namespace"`
	Total         int    `json:"total"`
	Applied       int    `json:"applied"`
	Failed        int    `json:"failed"`
}

// GetOutputStatsByWorkflow aggregates mutation counts per connector.
func (s *MutationStore) GetOutputStatsByWorkflow(ctx *contextx.Context, workflowID string) ([]*OutputStats, error) {
	var stats []*OutputStats
	err := session(s.conn, ctx).Raw(`
		SELECT tool_namespace,
		       COUNT(*) AS total,
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS applied,
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed
		FROM mutations
		WHERE workflow_id = ? AND tool_namespace <> ''
		GROUP BY tool_namespace
		ORDER BY tool_namespace`,
		string(states.MutationApplied), string(states.MutationFailed), workflowID).
		Scan(&stats).Error
	return stats, err
}

// ListNeedsAttention returns mutations waiting on a human: indeterminate
// ones (reconciliation exhausted or never possible) and failed ones without
// a resolution. Mutations in the reconciliation loop, claimed or scheduled,
// are the system's problem and never listed.
func (s *MutationStore) ListNeedsAttention(ctx *contextx.Context, workflowID string) ([]*models.Mutation, error) {
	query := session(s.conn, ctx).
		Where(`status = ? OR (status = ? AND resolved_by = '')`,
			string(states.MutationIndeterminate),
			string(states.MutationFailed))
	if workflowID != "" {
		query = query.Where("workflow_id = ?", workflowID)
	}
	var mutations []*models.Mutation
	err := query.Order("created_at, id").Find(&mutations).Error
	return mutations, err
}
