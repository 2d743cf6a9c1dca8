package model

import "time"

// Post is a piece of ephemeral content. Rows are never hard-deleted;
// visibility is derived from CreatedAt, DeletedAt and the configured TTL.
type Post struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID   int64      `gorm:"index:idx_post_owner;not null" json:"owner_id"`
	GroupID   *int64     `gorm:"index:idx_post_group" json:"group_id,omitempty"`
	Body      string     `gorm:"type:text" json:"body"`
	CreatedAt time.Time  `gorm:"index:idx_post_created;not null" json:"created_at"`
	DeletedAt *time.Time `gorm:"index:idx_post_deleted" json:"deleted_at,omitempty"`
}

// ActiveAt reports whether the post is visible at now for the given ttl.
func (p *Post) ActiveAt(now time.Time, ttl time.Duration) bool {
	return p.DeletedAt == nil && now.Before(p.CreatedAt.Add(ttl))
}

// ExpiresAt is the end of the post's visibility window.
func (p *Post) ExpiresAt(ttl time.Duration) time.Time {
	return p.CreatedAt.Add(ttl)
}

// Reaction is one user's emoji reaction to a post.
type Reaction struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PostID    int64     `gorm:"uniqueIndex:idx_reaction_post_user;not null" json:"post_id"`
	UserID    int64     `gorm:"uniqueIndex:idx_reaction_post_user;not null" json:"user_id"`
	Emoji     string    `gorm:"size:32;not null" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// PollVote is one user's vote on a post's poll.
type PollVote struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PostID    int64     `gorm:"uniqueIndex:idx_vote_post_user;not null" json:"post_id"`
	UserID    int64     `gorm:"uniqueIndex:idx_vote_post_user;not null" json:"user_id"`
	Choice    int       `gorm:"not null" json:"choice"`
	CreatedAt time.Time `json:"created_at"`
}

// MediaUpload points at a blob in the media store. The row is the
// authoritative record; the blob is deleted best-effort.
type MediaUpload struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PostID      int64     `gorm:"index:idx_upload_post;not null" json:"post_id"`
	Ref         string    `gorm:"uniqueIndex;size:128;not null" json:"ref"`
	ContentType string    `gorm:"size:64" json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// PostMetric holds long-lived engagement counters. They outlive the
// post's engagement rows and are never swept.
type PostMetric struct {
	PostID         int64 `gorm:"primaryKey;autoIncrement:false" json:"post_id"`
	ReactionsTotal int64 `gorm:"default:0" json:"reactions_total"`
	VotesTotal     int64 `gorm:"default:0" json:"votes_total"`
	MessagesTotal  int64 `gorm:"default:0" json:"messages_total"`
}
