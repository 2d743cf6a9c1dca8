// Package channel implements the per-post chat and its half-duplex turn
// rule: after writing, a viewer waits until the publisher answers them.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kasuganosora/ephemera/apperr"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/model"
	"github.com/kasuganosora/ephemera/post"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	MaxTextRunes = 1000
	DefaultLimit = 50
	MaxLimit     = 200
)

// ReasonCode explains a refused send.
type ReasonCode string

const (
	ReasonNone         ReasonCode = ""
	ReasonPostGone     ReasonCode = "post_gone"
	ReasonBlocked      ReasonCode = "blocked"
	ReasonWaitForReply ReasonCode = "wait_for_reply"
)

// Decision is the outcome of CanSend.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  ReasonCode `json:"reason,omitempty"`
}

// Posts resolves a post that is still visible.
type Posts interface {
	ActivePost(ctx context.Context, postID int64) (*model.Post, error)
}

// Blocks answers the symmetric block query.
type Blocks interface {
	IsBlockedBetween(ctx context.Context, a, b int64) (bool, error)
}

// Gate enforces who may write to a post's chat.
type Gate struct {
	db     *gorm.DB
	clock  clock.Clock
	posts  Posts
	blocks Blocks
	logger *zap.Logger
}

// NewGate creates a Gate.
func NewGate(db *gorm.DB, clk clock.Clock, posts Posts, blocks Blocks, logger *zap.Logger) *Gate {
	return &Gate{db: db, clock: clk, posts: posts, blocks: blocks, logger: logger}
}

// Enter subscribes viewerID to the chat of an active post. Entering twice
// is a no-op and the publisher is never subscribed.
func (g *Gate) Enter(ctx context.Context, postID, viewerID int64) error {
	p, err := g.posts.ActivePost(ctx, postID)
	if err != nil {
		return err
	}
	if p.OwnerID == viewerID {
		return nil
	}
	if err := g.checkNotBlocked(ctx, p, viewerID); err != nil {
		return err
	}
	return subscribe(g.db.WithContext(ctx), postID, viewerID, g.clock)
}

func subscribe(tx *gorm.DB, postID, viewerID int64, clk clock.Clock) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.ChannelSubscription{
		ViewerID:  viewerID,
		PostID:    postID,
		CreatedAt: clk.Now(),
	}).Error
}

// CanSend reports whether senderID may write to the chat now. A missing
// post is an error; a closed chat is a refused Decision.
func (g *Gate) CanSend(ctx context.Context, postID, senderID int64) (Decision, error) {
	d, _, err := g.decide(ctx, postID, senderID)
	return d, err
}

func (g *Gate) decide(ctx context.Context, postID, senderID int64) (Decision, *model.Post, error) {
	p, err := g.posts.ActivePost(ctx, postID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindGone) {
			return Decision{Reason: ReasonPostGone}, nil, nil
		}
		return Decision{}, nil, err
	}
	if p.OwnerID == senderID {
		return Decision{Allowed: true}, p, nil
	}
	blocked, err := g.blocks.IsBlockedBetween(ctx, p.OwnerID, senderID)
	if err != nil {
		return Decision{}, nil, err
	}
	if blocked {
		return Decision{Reason: ReasonBlocked}, p, nil
	}

	replied, err := g.publisherReplied(ctx, p, senderID)
	if err != nil {
		return Decision{}, nil, err
	}
	if !replied {
		return Decision{Reason: ReasonWaitForReply}, p, nil
	}
	return Decision{Allowed: true}, p, nil
}

// publisherReplied reports whether the viewer has the turn: they never
// wrote, or the publisher answered after their last message either by
// replying to one of the viewer's messages or by opening with
// "@username " or "@email ". The mention match is literal and
// case-sensitive.
func (g *Gate) publisherReplied(ctx context.Context, p *model.Post, viewerID int64) (bool, error) {
	db := g.db.WithContext(ctx)
	var own []int64
	if err := db.Model(&model.ChannelMessage{}).
		Where("post_id = ? AND sender_id = ?", p.ID, viewerID).
		Order("id").Pluck("id", &own).Error; err != nil {
		return false, err
	}
	if len(own) == 0 {
		return true, nil
	}
	last := own[len(own)-1]

	var answers []model.ChannelMessage
	if err := db.Where("post_id = ? AND sender_id = ? AND id > ?", p.ID, p.OwnerID, last).
		Order("id").Find(&answers).Error; err != nil {
		return false, err
	}
	if len(answers) == 0 {
		return false, nil
	}

	var viewer model.User
	if err := db.Select("id", "username", "email").First(&viewer, viewerID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
	}
	mine := lo.Keyify(own)
	prefixes := lo.Compact([]string{mention(viewer.Username), mention(viewer.Email)})

	_, ok := lo.Find(answers, func(m model.ChannelMessage) bool {
		if m.InReplyTo != nil {
			if _, hit := mine[*m.InReplyTo]; hit {
				return true
			}
		}
		return lo.SomeBy(prefixes, func(pre string) bool { return strings.HasPrefix(m.Text, pre) })
	})
	return ok, nil
}

func mention(handle string) string {
	if handle == "" {
		return ""
	}
	return "@" + handle + " "
}

// RecordMessage appends a message to the chat of postID. A viewer who
// must wait for the publisher gets a retryable Conflict.
func (g *Gate) RecordMessage(ctx context.Context, postID, senderID int64, text string, inReplyTo *int64) (*model.ChannelMessage, error) {
	if strings.TrimSpace(text) == "" || utf8.RuneCountInString(text) > MaxTextRunes {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "message must be 1-%d characters", MaxTextRunes)
	}

	d, p, err := g.decide(ctx, postID, senderID)
	if err != nil {
		return nil, err
	}
	switch d.Reason {
	case ReasonPostGone:
		return nil, apperr.Gone(apperr.CodePostGone, "post %d is no longer available", postID)
	case ReasonBlocked:
		return nil, apperr.Gone(apperr.CodeBlocked, "chat is not available")
	case ReasonWaitForReply:
		return nil, apperr.Conflict(apperr.CodeWaitForReply, "wait for the publisher to reply")
	}

	if inReplyTo != nil {
		var n int64
		if err := g.db.WithContext(ctx).Model(&model.ChannelMessage{}).
			Where("id = ? AND post_id = ?", *inReplyTo, postID).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, apperr.Validation(apperr.CodeInvalidInput, "message %d is not part of this chat", *inReplyTo)
		}
	}

	msg := &model.ChannelMessage{
		PostID:    postID,
		SenderID:  senderID,
		Text:      text,
		InReplyTo: inReplyTo,
		CreatedAt: g.clock.Now(),
	}
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if senderID != p.OwnerID {
			if err := subscribe(tx, postID, senderID, g.clock); err != nil {
				return err
			}
		}
		return post.BumpMetric(tx, postID, post.MetricMessages)
	})
	if err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}
	g.logger.Debug("channel message",
		zap.Int64("post_id", postID), zap.Int64("sender_id", senderID), zap.Int64("message_id", msg.ID))
	return msg, nil
}

// History returns up to limit messages with id greater than afterID,
// oldest first.
func (g *Gate) History(ctx context.Context, postID, viewerID, afterID int64, limit int) ([]model.ChannelMessage, error) {
	p, err := g.posts.ActivePost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if err := g.checkNotBlocked(ctx, p, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	var msgs []model.ChannelMessage
	if err := g.db.WithContext(ctx).
		Where("post_id = ? AND id > ?", postID, afterID).
		Order("id").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (g *Gate) checkNotBlocked(ctx context.Context, p *model.Post, userID int64) error {
	if p.OwnerID == userID {
		return nil
	}
	blocked, err := g.blocks.IsBlockedBetween(ctx, p.OwnerID, userID)
	if err != nil {
		return err
	}
	if blocked {
		return apperr.Gone(apperr.CodeBlocked, "chat is not available")
	}
	return nil
}
