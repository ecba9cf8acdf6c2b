package models

import "time"

type Workflow struct {
	ID     string `gorm:"primaryKey;size:255"`
	Title  string `gorm:"size:255"`
	TaskID string `gorm:"size:255;index"`
	// draft, ready, active, ...
	Status string `gorm:"size:255;index"`

	Maintenance         bool `gorm:"default:false"`
	MaintenanceFixCount int  `gorm:"default:0"`

	// currently active script version
	ActiveVersionID string `gorm:"size:255"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
}

type Task struct {
	ID string `gorm:"primaryKey;size:255"`
	// planner, worker or maintainer
	Type string `gorm:"size:255;index"`
	// empty for tasks not attached to a workflow
	WorkflowID string `gorm:"size:255;index"`
	State      string `gorm:"size:255;index"`
	Reply      string `gorm:"type:mediumtext"`
	Error      string `gorm:"type:mediumtext"`

	// conversation linkage; maintainer tasks get a fresh thread and no chat
	ThreadID string `gorm:"size:255"`
	ChatID   string `gorm:"size:255"`

	CreatedAt time.Time `gorm:"default:null;index"`
	UpdatedAt time.Time `gorm:"default:null"`
}

type InboxItem struct {
	ID       string `gorm:"primaryKey;size:255"`
	Source   string `gorm:"size:255;index"`
	SourceID string `gorm:"size:255"`
	// target kind, currently always "task"
	Target   string `gorm:"size:255"`
	TargetID string `gorm:"size:255;index"`
	Content  string `gorm:"type:mediumtext"`

	// transient-failure redelivery; null next_attempt_at means due now
	Attempts      int        `gorm:"default:0"`
	NextAttemptAt *time.Time `gorm:"default:null;index"`

	CreatedAt time.Time  `gorm:"default:null"`
	HandledAt *time.Time `gorm:"default:null;index"`
}
