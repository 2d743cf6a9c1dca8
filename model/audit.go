package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records moderation and lifecycle actions.
type AuditLog struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID   string         `gorm:"index:idx_audit_trace;size:36" json:"trace_id"`
	ActorID   *int64         `gorm:"index:idx_audit_actor" json:"actor_id"`
	TargetID  *int64         `json:"target_id"`
	GroupID   *int64         `json:"group_id"`
	PostID    *int64         `json:"post_id"`
	Action    string         `gorm:"size:64;not null" json:"action"`
	Detail    datatypes.JSON `json:"detail"`
	Error     string         `gorm:"type:text" json:"error"`
	CreatedAt time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}
