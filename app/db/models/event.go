package models

import (
	"keeper/pkg/gormx"
	"time"
)

type Event struct {
	ID         string `gorm:"primaryKey;size:255"`
	WorkflowID string `gorm:"size:255;index;uniqueIndex:uniq_topic_message"`
	Topic      string `gorm:"size:255;uniqueIndex:uniq_topic_message"`
	// unique per topic; republishing the same message is a no-op
	MessageID string `gorm:"size:255;uniqueIndex:uniq_topic_message"`

	Title   string `gorm:"size:255"`
	Payload string `gorm:"type:longtext"`

	// pending, reserved, consumed
	Status          string `gorm:"size:255;index"`
	ReservedByRunID string `gorm:"size:255;index"`
	CreatedByRunID  string `gorm:"size:255;index"`

	// ordered input ids; also mirrored into event_causes for joins
	CausedBy gormx.StringSlice `gorm:"type:mediumtext"`

	AttemptNumber int `gorm:"default:0"`

	CreatedAt  time.Time  `gorm:"default:null"`
	UpdatedAt  time.Time  `gorm:"default:null"`
	ReservedAt *time.Time `gorm:"default:null"`
	ConsumedAt *time.Time `gorm:"default:null"`
}

// EventCause is one (event, input) provenance row; the Input status rollup
// joins through it.
type EventCause struct {
	EventID  string `gorm:"primaryKey;size:255"`
	InputID  string `gorm:"primaryKey;size:255;index"`
	Position int    `gorm:"default:0"`
}

type Input struct {
	ID         string `gorm:"primaryKey;size:255"`
	WorkflowID string `gorm:"size:255;index;uniqueIndex:uniq_external_item"`
	Source     string `gorm:"size:255;uniqueIndex:uniq_external_item"`
	Type       string `gorm:"size:255;uniqueIndex:uniq_external_item"`
	ExternalID string `gorm:"size:255;uniqueIndex:uniq_external_item"`

	Title          string `gorm:"size:255"`
	CreatedByRunID string `gorm:"size:255;index"`

	CreatedAt time.Time `gorm:"default:null;index"`
}
