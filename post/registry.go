// Package post owns the post entity and its visibility window.
package post

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kasuganosora/ephemera/apperr"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/media"
	"github.com/kasuganosora/ephemera/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxBodyRunes   = 2000
	MaxMediaBytes  = 10 << 20
	MaxPollChoices = 16
	DefaultLimit   = 50
	MaxLimit       = 200
)

// BlockFilter answers the symmetric block query for content visibility.
type BlockFilter interface {
	IsBlockedBetween(ctx context.Context, a, b int64) (bool, error)
	BlockedUserIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Payload is the owner-supplied content of a new post.
type Payload struct {
	Body        string
	GroupID     *int64
	Media       []byte
	ContentType string
}

// Registry creates, reads and soft-deletes posts.
type Registry struct {
	db     *gorm.DB
	clock  clock.Clock
	ttl    time.Duration
	store  media.Store
	blocks BlockFilter
	logger *zap.Logger
}

// NewRegistry creates a Registry. ttl is the visibility window of a post.
func NewRegistry(db *gorm.DB, clk clock.Clock, ttl time.Duration, store media.Store, blocks BlockFilter, logger *zap.Logger) *Registry {
	return &Registry{db: db, clock: clk, ttl: ttl, store: store, blocks: blocks, logger: logger}
}

// TTL returns the configured visibility window.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Create publishes a post for ownerID.
func (r *Registry) Create(ctx context.Context, ownerID int64, in Payload) (*model.Post, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "post body is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "post body exceeds %d characters", MaxBodyRunes)
	}
	if len(in.Media) > MaxMediaBytes {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "media exceeds %d bytes", MaxMediaBytes)
	}
	if in.GroupID != nil {
		if err := r.checkGroupMember(ctx, *in.GroupID, ownerID); err != nil {
			return nil, err
		}
	}

	var ref string
	if len(in.Media) > 0 {
		var err error
		ref, err = r.store.Upload(ctx, in.Media, media.Meta{ContentType: in.ContentType, Size: int64(len(in.Media))})
		if err != nil {
			return nil, apperr.Transient(apperr.CodeMediaStore, err, "upload media")
		}
	}

	now := r.clock.Now()
	p := &model.Post{OwnerID: ownerID, GroupID: in.GroupID, Body: body, CreatedAt: now}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		if ref != "" {
			up := &model.MediaUpload{
				PostID:      p.ID,
				Ref:         ref,
				ContentType: in.ContentType,
				Size:        int64(len(in.Media)),
				CreatedAt:   now,
			}
			if err := tx.Create(up).Error; err != nil {
				return err
			}
		}
		return tx.Create(&model.PostMetric{PostID: p.ID}).Error
	})
	if err != nil {
		if ref != "" {
			r.deleteBlobs(ctx, []string{ref})
		}
		return nil, fmt.Errorf("create post: %w", err)
	}
	r.logger.Debug("post created", zap.Int64("post_id", p.ID), zap.Int64("owner_id", ownerID))
	return p, nil
}

func (r *Registry) checkGroupMember(ctx context.Context, groupID, userID int64) error {
	var g model.Group
	if err := r.db.WithContext(ctx).First(&g, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(apperr.CodeGroupNotFound, "group %d not found", groupID)
		}
		return err
	}
	if g.OwnerID == userID {
		return nil
	}
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return apperr.Forbidden(apperr.CodeNotMember, "not a member of group %d", groupID)
	}
	return nil
}

// IsActive reports whether p is visible now.
func (r *Registry) IsActive(p *model.Post) bool {
	return p.ActiveAt(r.clock.Now(), r.ttl)
}

// IsActiveID reports whether the post with postID is visible now.
func (r *Registry) IsActiveID(ctx context.Context, postID int64) (bool, error) {
	p, err := r.find(ctx, postID)
	if err != nil {
		return false, err
	}
	return r.IsActive(p), nil
}

// ActivePost returns the post if it is visible, NotFound if it never
// existed and Gone if its lifecycle ended.
func (r *Registry) ActivePost(ctx context.Context, postID int64) (*model.Post, error) {
	p, err := r.find(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !r.IsActive(p) {
		return nil, apperr.Gone(apperr.CodePostGone, "post %d is no longer available", postID)
	}
	return p, nil
}

func (r *Registry) find(ctx context.Context, postID int64) (*model.Post, error) {
	var p model.Post
	if err := r.db.WithContext(ctx).First(&p, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.CodePostNotFound, "post %d not found", postID)
		}
		return nil, err
	}
	return &p, nil
}

// Get returns an active post as seen by viewerID. A block between the
// viewer and the owner hides the post as if it were gone.
func (r *Registry) Get(ctx context.Context, viewerID, postID int64) (*model.Post, error) {
	p, err := r.ActivePost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if err := r.checkNotBlocked(ctx, viewerID, p.OwnerID); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) checkNotBlocked(ctx context.Context, userID, ownerID int64) error {
	if userID == ownerID {
		return nil
	}
	blocked, err := r.blocks.IsBlockedBetween(ctx, userID, ownerID)
	if err != nil {
		return err
	}
	if blocked {
		return apperr.Gone(apperr.CodeBlocked, "content is not available")
	}
	return nil
}

// ListActive returns the newest active posts visible to viewerID.
func (r *Registry) ListActive(ctx context.Context, viewerID int64, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	hidden, err := r.blocks.BlockedUserIDs(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	cutoff := r.clock.Now().Add(-r.ttl)
	q := r.db.WithContext(ctx).Where("deleted_at IS NULL AND created_at > ?", cutoff)
	if len(hidden) > 0 {
		q = q.Where("owner_id NOT IN ?", hidden)
	}
	var posts []model.Post
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// SoftDelete ends a post's lifecycle on behalf of its owner. It returns
// false without error when the post was already deleted. Ephemeral
// engagement is purged in the same transaction; blocked edges that point
// at the post keep existing with post_id cleared.
func (r *Registry) SoftDelete(ctx context.Context, postID, ownerID int64) (bool, error) {
	var detached []model.MediaUpload
	deleted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Post
		if err := tx.First(&p, postID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(apperr.CodePostNotFound, "post %d not found", postID)
			}
			return err
		}
		if p.OwnerID != ownerID {
			return apperr.Forbidden(apperr.CodeNotOwner, "only the owner can delete post %d", postID)
		}
		if p.DeletedAt != nil {
			return nil
		}

		res := tx.Model(&model.Post{}).
			Where("id = ? AND deleted_at IS NULL", postID).
			Update("deleted_at", r.clock.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		ids := []int64{postID}
		for _, step := range EngagementSteps() {
			if _, err := step.Run(tx, ids); err != nil {
				return fmt.Errorf("%s: %w", step.Name, err)
			}
		}
		var err error
		if detached, err = DetachUploads(tx, ids); err != nil {
			return fmt.Errorf("media_uploads: %w", err)
		}
		if _, err := DecoupleBlockedEdges(tx, ids); err != nil {
			return fmt.Errorf("decouple_blocked: %w", err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("soft delete post %d: %w", postID, err)
	}
	if deleted {
		refs := make([]string, len(detached))
		for i, u := range detached {
			refs[i] = u.Ref
		}
		r.deleteBlobs(ctx, refs)
		r.logger.Info("post soft-deleted", zap.Int64("post_id", postID), zap.Int("uploads", len(refs)))
	}
	return deleted, nil
}

// deleteBlobs removes blobs best-effort. The pointer rows are already
// gone, so a failure only leaves an unreferenced blob behind.
func (r *Registry) deleteBlobs(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := r.store.Delete(ctx, ref); err != nil && !errors.Is(err, media.ErrNotFound) {
			r.logger.Warn("media delete failed", zap.String("ref", ref), zap.Error(err))
		}
	}
}

// React records userID's reaction to an active post.
func (r *Registry) React(ctx context.Context, postID, userID int64, emoji string) (*model.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > 8 {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "invalid reaction")
	}
	p, err := r.Get(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	reaction := &model.Reaction{PostID: p.ID, UserID: userID, Emoji: emoji, CreatedAt: r.clock.Now()}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Reaction
		err := tx.Where("post_id = ? AND user_id = ?", p.ID, userID).First(&existing).Error
		switch {
		case err == nil:
			existing.Emoji = emoji
			*reaction = existing
			return tx.Model(&existing).Update("emoji", emoji).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if err := tx.Create(reaction).Error; err != nil {
			return err
		}
		return BumpMetric(tx, p.ID, MetricReactions)
	})
	if err != nil {
		return nil, fmt.Errorf("react: %w", err)
	}
	return reaction, nil
}

// Vote records userID's poll choice on an active post. Changing a vote
// does not count again towards the post's metrics.
func (r *Registry) Vote(ctx context.Context, postID, userID int64, choice int) (*model.PollVote, error) {
	if choice < 0 || choice >= MaxPollChoices {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "poll choice must be in [0,%d)", MaxPollChoices)
	}
	p, err := r.Get(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	vote := &model.PollVote{PostID: p.ID, UserID: userID, Choice: choice, CreatedAt: r.clock.Now()}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.PollVote
		err := tx.Where("post_id = ? AND user_id = ?", p.ID, userID).First(&existing).Error
		switch {
		case err == nil:
			existing.Choice = choice
			*vote = existing
			return tx.Model(&existing).Update("choice", choice).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if err := tx.Create(vote).Error; err != nil {
			return err
		}
		return BumpMetric(tx, p.ID, MetricVotes)
	})
	if err != nil {
		return nil, fmt.Errorf("vote: %w", err)
	}
	return vote, nil
}
