package post

import (
	"fmt"

	"github.com/kasuganosora/ephemera/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metric names an audit-only counter column of post_metrics.
type Metric string

const (
	MetricReactions Metric = "reactions_total"
	MetricVotes     Metric = "votes_total"
	MetricMessages  Metric = "messages_total"
)

// BumpMetric increments one counter of a post, creating the row if an
// older post never had one.
func BumpMetric(tx *gorm.DB, postID int64, m Metric) error {
	row := &model.PostMetric{PostID: postID}
	switch m {
	case MetricReactions:
		row.ReactionsTotal = 1
	case MetricVotes:
		row.VotesTotal = 1
	case MetricMessages:
		row.MessagesTotal = 1
	default:
		return fmt.Errorf("unknown metric %q", m)
	}
	col := string(m)
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "post_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			col: gorm.Expr("post_metrics." + col + " + 1"),
		}),
	}).Create(row).Error
}
