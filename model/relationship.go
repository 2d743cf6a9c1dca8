package model

import "time"

// SystemGroupID is the group of user-to-user blocks that are not tied to
// any content group.
const SystemGroupID int64 = 0

// EdgeStatus is the state of a relationship edge.
type EdgeStatus string

const (
	EdgeStatusPending  EdgeStatus = "pending"
	EdgeStatusAccepted EdgeStatus = "accepted"
	EdgeStatusIgnored  EdgeStatus = "ignored"
	EdgeStatusLeft     EdgeStatus = "left"
	EdgeStatusBlocked  EdgeStatus = "blocked"
)

// RelationshipEdge is a directed join/block record between two users in a
// group context. Blocked edges outlive the post they originated from; only
// PostID is cleared. BlockedBy is the user whose action blocked the edge,
// which is not always the requester (leave with block).
type RelationshipEdge struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	GroupID     int64      `gorm:"uniqueIndex:idx_edge_key;not null" json:"group_id"`
	RequesterID int64      `gorm:"uniqueIndex:idx_edge_key;not null" json:"requester_id"`
	TargetID    int64      `gorm:"uniqueIndex:idx_edge_key;index:idx_edge_target;not null" json:"target_id"`
	PostID      *int64     `gorm:"index:idx_edge_post" json:"post_id"`
	Status      EdgeStatus `gorm:"size:16;not null;index:idx_edge_status" json:"status"`
	Reason      *string    `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	BlockedBy   *int64     `gorm:"index:idx_edge_blocked_by" json:"blocked_by,omitempty"`
}
