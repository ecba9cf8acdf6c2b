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

type TaskStore struct {
	conn *db.Conn
	log  *logrus.Entry
}

func NewTaskStore(conn *db.Conn, logger *logrus.Logger) *TaskStore {
	return &TaskStore{
		conn: conn,
		log:  logger.WithField("name", "stores.task"),
	}
}

func (s *TaskStore) Create(ctx *contextx.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt
	return session(s.conn, ctx).Create(task).Error
}

func (s *TaskStore) Get(ctx *contextx.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	if err := session(s.conn, ctx).First(task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (s *TaskStore) GetByIDs(ctx *contextx.Context, ids []string) ([]*models.Task, error) {
	var tasks []*models.Task
	if len(ids) == 0 {
		return tasks, nil
	}
	err := session(s.conn, ctx).
		Where("id IN ?", ids).
		Order("created_at, id").
		Find(&tasks).Error
	return tasks, err
}

// Update persists only the named fields so concurrent writers of other
// columns are not clobbered.
func (s *TaskStore) Update(ctx *contextx.Context, task *models.Task, fields ...string) error {
	task.UpdatedAt = time.Now().UTC()
	cols := []string{"updated_at"}
	for _, f := range fields {
		switch f {
		case "State":
			cols = append(cols, "state")
		case "Reply":
			cols = append(cols, "reply")
		case "Error":
			cols = append(cols, "error")
		default:
			return fmt.Errorf("field %s of task is not updatable", f)
		}
	}
	result := session(s.conn, ctx).Model(task).Select(cols).Updates(task)
	if result.Error != nil {
		s.log.Errorf("Save task %s error: %v", task.ID, result.Error)
		return result.Error
	}
	return nil
}

type InboxStore struct {
	conn *db.Conn
	log  *logrus.Entry
}

func NewInboxStore(conn *db.Conn, logger *logrus.Logger) *InboxStore {
	return &InboxStore{
		conn: conn,
		log:  logger.WithField("name", "stores.inbox"),
	}
}

func (s *InboxStore) Add(ctx *contextx.Context, item *models.InboxItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = time.Now().UTC()
	return session(s.conn, ctx).Create(item).Error
}

func (s *InboxStore) Get(ctx *contextx.Context, id string) (*models.InboxItem, error) {
	item := &models.InboxItem{}
	if err := session(s.conn, ctx).First(item, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return item, nil
}

// GetUnhandled returns pending items that are due, oldest first.
// Items deferred after a transient failure stay invisible until their
// next attempt time passes.
func (s *InboxStore) GetUnhandled(ctx *contextx.Context) ([]*models.InboxItem, error) {
	var items []*models.InboxItem
	err := session(s.conn, ctx).
		Where("handled_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", time.Now().UTC()).
		Order("created_at, id").
		Find(&items).Error
	return items, err
}

// Defer postpones an unhandled item until nextAt and counts the attempt.
func (s *InboxStore) Defer(ctx *contextx.Context, id string, nextAt time.Time) error {
	return session(s.conn, ctx).
		Model(&models.InboxItem{}).
		Where("id = ? AND handled_at IS NULL", id).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": &nextAt,
		}).Error
}

func (s *InboxStore) MarkHandled(ctx *contextx.Context, id string) error {
	now := time.Now().UTC()
	return session(s.conn, ctx).
		Model(&models.InboxItem{}).
		Where("id = ? AND handled_at IS NULL", id).
		Update("handled_at", &now).Error
}
