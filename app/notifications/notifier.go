// Package notifications publishes lifecycle notifications over AMQP.
// Scheduling never depends on them; they exist for dashboards and pagers.
package notifications

import (
	"encoding/json"
	"time"

	"keeper/app/config"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

type Notifier interface {
	MaintenanceEntered(workflowID, workflowTitle, scriptRunID, taskID string)
	MutationNeedsAttention(mutationID, workflowID, toolNamespace, uiTitle string)
	Close() error
}

// NopNotifier is used when messaging is not configured.
type NopNotifier struct{}

func (NopNotifier) MaintenanceEntered(workflowID, workflowTitle, scriptRunID, taskID string) {}
func (NopNotifier) MutationNeedsAttention(mutationID, workflowID, toolNamespace, uiTitle string) {
}
func (NopNotifier) Close() error { return nil }

type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      *logrus.Entry
}

// Dial connects and declares the topic exchange.
func Dial(cfg config.MessagingConfig, logger *logrus.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(cfg.Connection)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPNotifier{
		conn:     conn,
		channel:  channel,
		exchange: cfg.Exchange,
		log:      logger.WithField("name", "notifications"),
	}, nil
}

func (n *AMQPNotifier) publish(routingKey string, payload map[string]interface{}) {
	payload["emitted_at"] = time.Now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Errorf("Marshal notification %s failed, error: %s", routingKey, err.Error())
		return
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := n.channel.Publish(n.exchange, routingKey, false, false, msg); err != nil {
		// notifications are best effort
		n.log.Warnf("Publish notification %s failed, error: %s", routingKey, err.Error())
	}
}

func (n *AMQPNotifier) MaintenanceEntered(workflowID, workflowTitle, scriptRunID, taskID string) {
	n.publish("workflow.maintenance.entered", map[string]interface{}{
		"workflow_id":    workflowID,
		"workflow_title": workflowTitle,
		"script_run_id":  scriptRunID,
		"task_id":        taskID,
	})
}

func (n *AMQPNotifier) MutationNeedsAttention(mutationID, workflowID, toolNamespace, uiTitle string) {
	n.publish("mutation.needs_attention", map[string]interface{}{
		"mutation_id":    mutationID,
		"workflow_id":    workflowID,
		"tool_namespace": toolNamespace,
		"ui_title":       uiTitle,
	})
}

func (n *AMQPNotifier) Close() error {
	if err := n.channel.Close(); err != nil {
		return err
	}
	return n.conn.Close()
}
