package model

import "time"

// User is the read-only view of an account owned by the auth layer.
// Username and Email are used for target resolution and reply mentions.
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"uniqueIndex;size:32;not null" json:"username"`
	Email     string    `gorm:"size:128" json:"email"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Group is a content group owned by one user. Join requests and
// group-scoped blocks reference it by ID.
type Group struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID   int64     `gorm:"index:idx_group_owner;not null" json:"owner_id"`
	Name      string    `gorm:"size:64;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (Group) TableName() string { return "content_groups" }

// GroupMember links a user to a group.
type GroupMember struct {
	GroupID  int64     `gorm:"primaryKey;autoIncrement:false" json:"group_id"`
	UserID   int64     `gorm:"primaryKey;autoIncrement:false;index:idx_member_user" json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}
