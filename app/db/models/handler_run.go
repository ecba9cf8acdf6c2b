package models

import (
	"keeper/pkg/gormx"
	"time"
)

type HandlerRun struct {
	ID string `gorm:"primaryKey;size:255"`
	// automation execution session this run belongs to
	ScriptRunID string `gorm:"size:255;index"`
	WorkflowID  string `gorm:"size:255;index"`
	// producer or consumer
	HandlerType string `gorm:"size:255;index"`
	HandlerName string `gorm:"size:255;index"`

	Phase string `gorm:"size:255;index"`
	// active, committed, paused:<reason>, failed:<kind>; authoritative for
	// liveness, phase is not
	Status string `gorm:"size:255;index"`

	PrepareResult string `gorm:"type:mediumtext"`
	// opaque state snapshots passed between phases
	InputState  gormx.MapJson `gorm:"type:longtext"`
	OutputState gormx.MapJson `gorm:"type:longtext"`

	Error     string `gorm:"type:mediumtext"`
	ErrorType string `gorm:"size:255"`
	Cost      float64
	Logs      string `gorm:"type:longtext"`

	StartedAt  time.Time  `gorm:"default:null;index"`
	FinishedAt *time.Time `gorm:"default:null"`
	CreatedAt  time.Time  `gorm:"default:null"`
	UpdatedAt  time.Time  `gorm:"default:null"`
}
