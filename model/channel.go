package model

import "time"

// ChannelSubscription records that a viewer entered a post's chat.
type ChannelSubscription struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ViewerID  int64     `gorm:"uniqueIndex:idx_sub_viewer_post;not null" json:"viewer_id"`
	PostID    int64     `gorm:"uniqueIndex:idx_sub_viewer_post;index:idx_sub_post;not null" json:"post_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelMessage is one message in a post's chat. IDs are monotonic and
// the turn gate derives its state from their order.
type ChannelMessage struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PostID    int64     `gorm:"index:idx_msg_post_sender;not null" json:"post_id"`
	SenderID  int64     `gorm:"index:idx_msg_post_sender;not null" json:"sender_id"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	InReplyTo *int64    `json:"in_reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
