package stores

import (
	"fmt"
	"time"

	"keeper/app/db"
	"keeper/app/db/models"
	"keeper/app/states"
	"keeper/pkg/contextx"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type HandlerRunStore struct {
	conn *db.Conn
	log  *logrus.Entry
}

func NewHandlerRunStore(conn *db.Conn, logger *logrus.Logger) *HandlerRunStore {
	return &HandlerRunStore{
		conn: conn,
		log:  logger.WithField("name", "stores.handler_run"),
	}
}

// Create records the start of one handler invocation: phase pending, status
// active.
func (s *HandlerRunStore) Create(ctx *contextx.Context, run *models.HandlerRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	switch states.HandlerType(run.HandlerType) {
	case states.HandlerProducer, states.HandlerConsumer:
	default:
		return fmt.Errorf("unknown handler type '%s'", run.HandlerType)
	}
	if run.Phase == "" {
		run.Phase = string(states.PhasePending)
	}
	if run.Status == "" {
		run.Status = states.Active().String()
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return session(s.conn, ctx).Create(run).Error
}

func (s *HandlerRunStore) Get(ctx *contextx.Context, id string) (*models.HandlerRun, error) {
	run := &models.HandlerRun{}
	if err := session(s.conn, ctx).First(run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Update persists only the named fields; untouched columns keep whatever a
// concurrent writer put there.
func (s *HandlerRunStore) Update(ctx *contextx.Context, run *models.HandlerRun, fields ...string) error {
	run.UpdatedAt = time.Now().UTC()
	cols := []string{"updated_at"}
	for _, f := range fields {
		switch f {
		case "Phase":
			cols = append(cols, "phase")
		case "Status":
			cols = append(cols, "status")
		case "PrepareResult":
			cols = append(cols, "prepare_result")
		case "InputState":
			cols = append(cols, "input_state")
		case "OutputState":
			cols = append(cols, "output_state")
		case "Error":
			cols = append(cols, "error")
		case "ErrorType":
			cols = append(cols, "error_type")
		case "Cost":
			cols = append(cols, "cost")
		case "Logs":
			cols = append(cols, "logs")
		case "FinishedAt":
			cols = append(cols, "finished_at")
		default:
			return fmt.Errorf("field %s of handler run is not updatable", f)
		}
	}
	result := session(s.conn, ctx).Model(run).Select(cols).Updates(run)
	if result.Error != nil {
		s.log.Errorf("Save handler run %s error: %v", run.ID, result.Error)
		return result.Error
	}
	return nil
}

// UpdatePhase advances the run one step along its machine.
func (s *HandlerRunStore) UpdatePhase(ctx *contextx.Context, run *models.HandlerRun, phase states.RunPhase) error {
	handlerType := states.HandlerType(run.HandlerType)
	if !states.ValidPhaseTransition(handlerType, states.RunPhase(run.Phase), phase) {
		return fmt.Errorf("%s handler cannot move from phase '%s' to '%s'", run.HandlerType, run.Phase, phase)
	}
	run.Phase = string(phase)
	return s.Update(ctx, run, "Phase")
}

// GetIncomplete returns the runs still genuinely in progress (or crashed
// mid-flight): status is authoritative, phase is not. Newest first.
func (s *HandlerRunStore) GetIncomplete(ctx *contextx.Context, workflowID string) ([]*models.HandlerRun, error) {
	var runs []*models.HandlerRun
	err := session(s.conn, ctx).
		Where("workflow_id = ? AND status = ?", workflowID, states.Active().String()).
		Order("started_at DESC, id").
		Find(&runs).Error
	return runs, err
}

func (s *HandlerRunStore) HasActiveRun(ctx *contextx.Context, workflowID string) (bool, error) {
	var count int64
	err := session(s.conn, ctx).
		Model(&models.HandlerRun{}).
		Where("workflow_id = ? AND status = ?", workflowID, states.Active().String()).
		Count(&count).Error
	return count > 0, err
}

func (s *HandlerRunStore) GetWorkflowsWithIncompleteRuns(ctx *contextx.Context) ([]string, error) {
	var workflowIDs []string
	err := session(s.conn, ctx).
		Model(&models.HandlerRun{}).
		Where("status = ?", states.Active().String()).
		Distinct("workflow_id").
		Pluck("workflow_id", &workflowIDs).Error
	return workflowIDs, err
}

func (s *HandlerRunStore) ListByScriptRun(ctx *contextx.Context, scriptRunID string) ([]*models.HandlerRun, error) {
	var runs []*models.HandlerRun
	err := session(s.conn, ctx).
		Where("script_run_id = ?", scriptRunID).
		Order("started_at DESC, id").
		Find(&runs).Error
	return runs, err
}

// Finish stamps the terminal status and finish time in one update.
func (s *HandlerRunStore) Finish(ctx *contextx.Context, run *models.HandlerRun, status states.RunStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status '%s' does not finish a run", status.String())
	}
	now := time.Now().UTC()
	run.Status = status.String()
	run.FinishedAt = &now
	return s.Update(ctx, run, "Status", "FinishedAt")
}
