package stores

import (
	"fmt"
	"time"

	"keeper/app/db"
	"keeper/app/db/models"
	"keeper/pkg/contextx"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type WorkflowStore struct {
	conn *db.Conn
	log  *logrus.Entry
}

func NewWorkflowStore(conn *db.Conn, logger *logrus.Logger) *WorkflowStore {
	return &WorkflowStore{
		conn: conn,
		log:  logger.WithField("name", "stores.workflow"),
	}
}

func (s *WorkflowStore) Create(ctx *contextx.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	workflow.CreatedAt = time.Now().UTC()
	workflow.UpdatedAt = workflow.CreatedAt
	return session(s.conn, ctx).Create(workflow).Error
}

func (s *WorkflowStore) Get(ctx *contextx.Context, id string) (*models.Workflow, error) {
	workflow := &models.Workflow{}
	if err := session(s.conn, ctx).First(workflow, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return workflow, nil
}

func (s *WorkflowStore) Update(ctx *contextx.Context, workflow *models.Workflow, fields ...string) error {
	workflow.UpdatedAt = time.Now().UTC()
	cols := []string{"updated_at"}
	for _, f := range fields {
		switch f {
		case "Title":
			cols = append(cols, "title")
		case "Status":
			cols = append(cols, "status")
		case "ActiveVersionID":
			cols = append(cols, "active_version_id")
		case "Maintenance":
			cols = append(cols, "maintenance")
		default:
			return fmt.Errorf("field %s of workflow is not updatable", f)
		}
	}
	result := session(s.conn, ctx).Model(workflow).Select(cols).Updates(workflow)
	if result.Error != nil {
		s.log.Errorf("Save workflow %s error: %v", workflow.ID, result.Error)
		return result.Error
	}
	return nil
}

// EnterMaintenance sets the maintenance flag and bumps the fix counter in a
// single statement.
func (s *WorkflowStore) EnterMaintenance(ctx *contextx.Context, id string) error {
	result := session(s.conn, ctx).
		Model(&models.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"maintenance":           true,
			"maintenance_fix_count": gorm.Expr("maintenance_fix_count + 1"),
			"updated_at":            time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
