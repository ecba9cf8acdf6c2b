package stores

import (
	"time"

	"keeper/app/db"
	"keeper/app/db/models"
	"keeper/app/states"
	"keeper/pkg/contextx"
	"keeper/pkg/gormx"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventStore is the per-workflow topic log. Publishing is idempotent per
// (topic, message id); reservation is the system's exactly-once boundary.
type EventStore struct {
	conn *db.Conn
	log  *logrus.Entry
}

func NewEventStore(conn *db.Conn, logger *logrus.Logger) *EventStore {
	return &EventStore{
		conn: conn,
		log:  logger.WithField("name", "stores.event"),
	}
}

type PublishParams struct {
	MessageID string
	Title     string
	Payload   string
	// ordered input ids this event traces back to
	CausedBy []string
}

// Publish inserts the event as pending, or returns the existing row when the
// same (topic, message id) was already published. Provenance rows are written
// together with the event.
func (s *EventStore) Publish(ctx *contextx.Context, workflowID, topic string, p PublishParams, producerRunID string) (*models.Event, error) {
	if existing, err := s.getByMessage(ctx, workflowID, topic, p.MessageID); err == nil {
		return existing, nil
	} else if !IsNotFoundError(err) {
		return nil, err
	}

	// a producer may cite the same input more than once; provenance keeps
	// the first position
	var causedBy gormx.StringSlice
	for _, inputID := range p.CausedBy {
		if causedBy.Has(inputID) {
			continue
		}
		causedBy = append(causedBy, inputID)
	}

	event := &models.Event{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		Topic:          topic,
		MessageID:      p.MessageID,
		Title:          p.Title,
		Payload:        p.Payload,
		Status:         string(states.EventPending),
		CreatedByRunID: producerRunID,
		CausedBy:       causedBy,
	}
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt

	insert := func(sub *contextx.Context) error {
		if err := session(s.conn, sub).Create(event).Error; err != nil {
			return err
		}
		for i, inputID := range causedBy {
			cause := &models.EventCause{EventID: event.ID, InputID: inputID, Position: i}
			if err := session(s.conn, sub).Create(cause).Error; err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	if ctx != nil && ctx.InTransaction() {
		err = insert(ctx)
	} else {
		err = Transaction(s.conn, ctx, insert)
	}
	if err != nil {
		// a concurrent publisher may have won the unique index race
		if existing, qerr := s.getByMessage(ctx, workflowID, topic, p.MessageID); qerr == nil {
			return existing, nil
		}
		return nil, err
	}
	s.log.Debugf("Published event %s to topic %s/%s", p.MessageID, workflowID, topic)
	return event, nil
}

func (s *EventStore) getByMessage(ctx *contextx.Context, workflowID, topic, messageID string) (*models.Event, error) {
	event := &models.Event{}
	err := session(s.conn, ctx).
		First(event, "workflow_id = ? AND topic = ? AND message_id = ?", workflowID, topic, messageID).Error
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *EventStore) Get(ctx *contextx.Context, id string) (*models.Event, error) {
	event := &models.Event{}
	if err := session(s.conn, ctx).First(event, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return event, nil
}

type TopicSelection struct {
	Topic      string
	MessageIDs []string
}

// Reserve claims the named pending messages for the given run. The claim is
// one conditional update per topic: a message already reserved or consumed is
// left alone, so the first reserver wins. Returns the events actually
// claimed.
func (s *EventStore) Reserve(ctx *contextx.Context, runID string, selections []TopicSelection) ([]*models.Event, error) {
	run := &models.HandlerRun{}
	if err := session(s.conn, ctx).First(run, "id = ?", runID).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, sel := range selections {
		if len(sel.MessageIDs) == 0 {
			continue
		}
		result := session(s.conn, ctx).
			Model(&models.Event{}).
			Where("workflow_id = ? AND topic = ? AND message_id IN ? AND status = ?",
				run.WorkflowID, sel.Topic, sel.MessageIDs, string(states.EventPending)).
			Updates(map[string]interface{}{
				"status":             string(states.EventReserved),
				"reserved_by_run_id": runID,
				"reserved_at":        &now,
				"updated_at":         now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		s.log.Debugf("Run %s reserved %d event(s) in topic %s", runID, result.RowsAffected, sel.Topic)
	}

	return s.GetReservedBy(ctx, runID)
}

func (s *EventStore) GetReservedBy(ctx *contextx.Context, runID string) ([]*models.Event, error) {
	var events []*models.Event
	err := session(s.conn, ctx).
		Where("reserved_by_run_id = ? AND status = ?", runID, string(states.EventReserved)).
		Order("created_at, id").
		Find(&events).Error
	return events, err
}

// Consume flips everything the run holds reserved to consumed.
func (s *EventStore) Consume(ctx *contextx.Context, runID string) (int64, error) {
	now := time.Now().UTC()
	result := session(s.conn, ctx).
		Model(&models.Event{}).
		Where("reserved_by_run_id = ? AND status = ?", runID, string(states.EventReserved)).
		Updates(map[string]interface{}{
			"status":      string(states.EventConsumed),
			"consumed_at": &now,
			"updated_at":  now,
		})
	return result.RowsAffected, result.Error
}

// Release puts the run's reservations back to pending, bumping the attempt
// counter so re-delivery is visible.
func (s *EventStore) Release(ctx *contextx.Context, runID string) (int64, error) {
	result := session(s.conn, ctx).
		Model(&models.Event{}).
		Where("reserved_by_run_id = ? AND status = ?", runID, string(states.EventReserved)).
		Updates(map[string]interface{}{
			"status":             string(states.EventPending),
			"reserved_by_run_id": "",
			"reserved_at":        nil,
			"attempt_number":     gorm.Expr("attempt_number + 1"),
			"updated_at":         time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// GetByInputID returns the events whose caused_by contains the input,
// optionally filtered by status.
func (s *EventStore) GetByInputID(ctx *contextx.Context, inputID string, status *states.EventStatus) ([]*models.Event, error) {
	query := session(s.conn, ctx).
		Joins("JOIN event_causes ON event_causes.event_id = events.id").
		Where("event_causes.input_id = ?", inputID)
	if status != nil {
		query = query.Where("events.status = ?", string(*status))
	}
	var events []*models.Event
	err := query.Order("events.created_at, events.id").Find(&events).Error
	return events, err
}

// ReservingRunIDs lists the distinct runs currently holding reservations.
func (s *EventStore) ReservingRunIDs(ctx *contextx.Context) ([]string, error) {
	var runIDs []string
	err := session(s.conn, ctx).
		Model(&models.Event{}).
		Where("status = ? AND reserved_by_run_id <> ''", string(states.EventReserved)).
		Distinct("reserved_by_run_id").
		Pluck("reserved_by_run_id", &runIDs).Error
	return runIDs, err
}
