package models

import (
	"keeper/pkg/gormx"
	"time"
)

type Mutation struct {
	ID           string `gorm:"primaryKey;size:255"`
	HandlerRunID string `gorm:"size:255;index"`
	WorkflowID   string `gorm:"size:255;index"`

	// attached when the call is dispatched
	ToolNamespace  string        `gorm:"size:255;index"`
	ToolMethod     string        `gorm:"size:255"`
	Params         gormx.MapJson `gorm:"type:longtext"`
	IdempotencyKey string        `gorm:"size:255;index"`

	// pending, in_flight, applied, failed, indeterminate, needs_reconcile
	Status string `gorm:"size:255;index"`
	Result string `gorm:"type:longtext"`
	Error  string `gorm:"type:mediumtext"`

	ReconcileAttempts int        `gorm:"default:0"`
	LastReconcileAt   *time.Time `gorm:"default:null"`
	// null means not on the reconcile schedule: terminal, never enqueued,
	// or claimed by a reconciler right now
	NextReconcileAt *time.Time `gorm:"default:null;index"`

	// user_skip, user_assert_failed, reconciler
	ResolvedBy string     `gorm:"size:255"`
	ResolvedAt *time.Time `gorm:"default:null"`

	UITitle string `gorm:"size:255"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
}
