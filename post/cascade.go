package post

import (
	"github.com/kasuganosora/ephemera/model"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Step is one named cascade over a batch of posts. Every step is a
// delete-where or update-where, so re-running it after a crash or in a
// racing process is harmless and a missing row counts as success.
type Step struct {
	Name string
	Run  func(tx *gorm.DB, postIDs []int64) (int64, error)
}

func deleteByPost(m interface{}) func(tx *gorm.DB, postIDs []int64) (int64, error) {
	return func(tx *gorm.DB, postIDs []int64) (int64, error) {
		res := tx.Where("post_id IN ?", postIDs).Delete(m)
		return res.RowsAffected, res.Error
	}
}

// EngagementSteps purge the ephemeral engagement attached to posts.
// post_metrics is deliberately absent.
func EngagementSteps() []Step {
	return []Step{
		{Name: "reactions", Run: deleteByPost(&model.Reaction{})},
		{Name: "poll_votes", Run: deleteByPost(&model.PollVote{})},
		{Name: "channel_messages", Run: deleteByPost(&model.ChannelMessage{})},
		{Name: "channel_subscriptions", Run: deleteByPost(&model.ChannelSubscription{})},
	}
}

// DetachUploads deletes the upload pointers of posts and returns the rows
// removed so the caller can delete the blobs afterwards.
func DetachUploads(tx *gorm.DB, postIDs []int64) ([]model.MediaUpload, error) {
	var uploads []model.MediaUpload
	if err := tx.Where("post_id IN ?", postIDs).Find(&uploads).Error; err != nil {
		return nil, err
	}
	if len(uploads) == 0 {
		return nil, nil
	}
	ids := lo.Map(uploads, func(u model.MediaUpload, _ int) int64 { return u.ID })
	// A racing sweep may have removed some pointers already; deleting their
	// blob twice is reported as media.ErrNotFound and treated as success.
	if err := tx.Where("id IN ?", ids).Delete(&model.MediaUpload{}).Error; err != nil {
		return nil, err
	}
	return uploads, nil
}

// DecoupleBlockedEdges clears post_id on blocked edges. The edge itself
// must outlive the post it originated from.
func DecoupleBlockedEdges(tx *gorm.DB, postIDs []int64) (int64, error) {
	res := tx.Model(&model.RelationshipEdge{}).
		Where("post_id IN ? AND status = ?", postIDs, model.EdgeStatusBlocked).
		Update("post_id", nil)
	return res.RowsAffected, res.Error
}

// DropPendingEdges deletes join requests whose originating post is gone.
func DropPendingEdges(tx *gorm.DB, postIDs []int64) (int64, error) {
	res := tx.Where("post_id IN ? AND status = ?", postIDs, model.EdgeStatusPending).
		Delete(&model.RelationshipEdge{})
	return res.RowsAffected, res.Error
}
