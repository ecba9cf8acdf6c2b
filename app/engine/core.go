// Package engine bundles the stores into the execution core and carries the
// cross-cutting operations no single store owns: the maintenance-mode
// transition and reservation recovery.
package engine

import (
	"keeper/app/catalog"
	"keeper/app/db"
	"keeper/app/notifications"
	"keeper/app/stores"

	"github.com/sirupsen/logrus"
)

type Core struct {
	conn    *db.Conn
	catalog *catalog.Catalog

	Workflows *stores.WorkflowStore
	Tasks     *stores.TaskStore
	Inbox     *stores.InboxStore
	Runs      *stores.HandlerRunStore
	Events    *stores.EventStore
	Inputs    *stores.InputStore
	Mutations *stores.MutationStore

	notifier notifications.Notifier
	log      *logrus.Entry
}

func NewCore(conn *db.Conn, cat *catalog.Catalog, notifier notifications.Notifier, logger *logrus.Logger) *Core {
	if notifier == nil {
		notifier = notifications.NopNotifier{}
	}
	if cat == nil {
		cat = catalog.Empty()
	}
	return &Core{
		conn:      conn,
		catalog:   cat,
		Workflows: stores.NewWorkflowStore(conn, logger),
		Tasks:     stores.NewTaskStore(conn, logger),
		Inbox:     stores.NewInboxStore(conn, logger),
		Runs:      stores.NewHandlerRunStore(conn, logger),
		Events:    stores.NewEventStore(conn, logger),
		Inputs:    stores.NewInputStore(conn, logger),
		Mutations: stores.NewMutationStore(conn, cat, logger),
		notifier:  notifier,
		log:       logger.WithField("name", "engine"),
	}
}

func (c *Core) Conn() *db.Conn {
	return c.conn
}

func (c *Core) Notifier() notifications.Notifier {
	return c.notifier
}
