// Package reconcile sweeps the dependents of posts whose visibility
// window has closed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kasuganosora/ephemera/apperr"
	"github.com/kasuganosora/ephemera/audit"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/media"
	"github.com/kasuganosora/ephemera/model"
	"github.com/kasuganosora/ephemera/post"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBatchSize = 100

// Config controls a sweep.
type Config struct {
	TTL       time.Duration
	BatchSize int
}

// Auditor receives the summary of sweeps that changed something.
type Auditor interface {
	Record(ctx context.Context, entry audit.AuditEntry)
}

// StepResult is the outcome of one named step.
type StepResult struct {
	Name     string `json:"name"`
	Affected int64  `json:"affected"`
	Error    string `json:"error,omitempty"`
}

// Report summarises one Tick.
type Report struct {
	Posts        []int64       `json:"posts"`
	Steps        []StepResult  `json:"steps"`
	BlobFailures int           `json:"blob_failures"`
	Duration     time.Duration `json:"duration"`
}

// Changed reports whether any step touched a row.
func (r Report) Changed() bool {
	return lo.SomeBy(r.Steps, func(s StepResult) bool { return s.Affected > 0 })
}

// Failed returns the names of the steps that failed.
func (r Report) Failed() []string {
	return lo.FilterMap(r.Steps, func(s StepResult, _ int) (string, bool) { return s.Name, s.Error != "" })
}

// Reconciler removes the ephemeral dependents of inactive posts. The post
// rows and their metrics are never modified, so a post is selected again
// only while it still has something to clean up.
type Reconciler struct {
	db      *gorm.DB
	clock   clock.Clock
	store   media.Store
	cfg     Config
	auditor Auditor
	logger  *zap.Logger
	mu      sync.Mutex
	cursor  int64 // last post id of the previous batch, guarded by mu
}

// New creates a Reconciler.
func New(db *gorm.DB, clk clock.Clock, store media.Store, cfg Config, auditor Auditor, logger *zap.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reconciler{db: db, clock: clk, store: store, cfg: cfg, auditor: auditor, logger: logger}
}

// Tick runs one sweep. Step failures are logged and reported; they never
// abort the remaining steps.
func (r *Reconciler) Tick(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.TTL)
	var rep Report

	ids, err := r.selectBatch(ctx, cutoff)
	if err != nil {
		r.logger.Error("sweep selection failed", zap.Error(err))
		rep.Steps = append(rep.Steps, StepResult{Name: "select", Error: err.Error()})
	}
	rep.Posts = ids

	if len(ids) > 0 {
		var refs []string
		for _, step := range r.batchSteps(&refs) {
			rep.Steps = append(rep.Steps, r.run(ctx, step, ids))
		}
		rep.BlobFailures = r.deleteBlobs(ctx, refs)
	}

	rep.Steps = append(rep.Steps, r.run(ctx, post.Step{
		Name: "orphan_pending",
		Run: func(tx *gorm.DB, _ []int64) (int64, error) {
			res := tx.Where("post_id IS NULL AND status = ? AND created_at <= ?", model.EdgeStatusPending, cutoff).
				Delete(&model.RelationshipEdge{})
			return res.RowsAffected, res.Error
		},
	}, nil))
	rep.Duration = time.Since(start)

	if rep.Changed() || len(rep.Failed()) > 0 || rep.BlobFailures > 0 {
		r.logger.Info("sweep finished",
			zap.Int("posts", len(rep.Posts)),
			zap.Strings("failed_steps", rep.Failed()),
			zap.Int("blob_failures", rep.BlobFailures),
			zap.Duration("duration", rep.Duration))
	}
	if rep.Changed() {
		r.auditor.Record(ctx, audit.AuditEntry{Action: audit.ActionSweep, Detail: rep})
	}
	return rep
}

// selectBatch returns inactive posts that still have dependents. Each
// batch starts after the last post of the previous one and wraps around,
// so posts whose steps keep failing cannot starve the rest.
func (r *Reconciler) selectBatch(ctx context.Context, cutoff time.Time) ([]int64, error) {
	ids, err := r.pending(ctx, cutoff, "id > ?", r.cursor, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(ids) < r.cfg.BatchSize && r.cursor > 0 {
		wrapped, err := r.pending(ctx, cutoff, "id <= ?", r.cursor, r.cfg.BatchSize-len(ids))
		if err != nil {
			return nil, err
		}
		ids = append(ids, wrapped...)
	}
	r.cursor = 0
	if len(ids) > 0 {
		r.cursor = ids[len(ids)-1]
	}
	return ids, nil
}

func (r *Reconciler) pending(ctx context.Context, cutoff time.Time, bound string, cursor int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.Post{}).
		Where(bound, cursor).
		Where("(deleted_at IS NOT NULL OR created_at <= ?)", cutoff).
		Where(`(EXISTS (SELECT 1 FROM reactions WHERE reactions.post_id = posts.id)
			OR EXISTS (SELECT 1 FROM poll_votes WHERE poll_votes.post_id = posts.id)
			OR EXISTS (SELECT 1 FROM channel_messages WHERE channel_messages.post_id = posts.id)
			OR EXISTS (SELECT 1 FROM channel_subscriptions WHERE channel_subscriptions.post_id = posts.id)
			OR EXISTS (SELECT 1 FROM media_uploads WHERE media_uploads.post_id = posts.id)
			OR EXISTS (SELECT 1 FROM relationship_edges WHERE relationship_edges.post_id = posts.id
				AND relationship_edges.status IN ?))`,
			[]model.EdgeStatus{model.EdgeStatusPending, model.EdgeStatusBlocked}).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("select inactive posts: %w", err)
	}
	return ids, nil
}

func (r *Reconciler) batchSteps(refs *[]string) []post.Step {
	steps := post.EngagementSteps()
	return append(steps,
		post.Step{Name: "media_uploads", Run: func(tx *gorm.DB, ids []int64) (int64, error) {
			ups, err := post.DetachUploads(tx, ids)
			if err != nil {
				return 0, err
			}
			*refs = append(*refs, lo.Map(ups, func(u model.MediaUpload, _ int) string { return u.Ref })...)
			return int64(len(ups)), nil
		}},
		post.Step{Name: "decouple_blocked", Run: post.DecoupleBlockedEdges},
		post.Step{Name: "drop_pending", Run: post.DropPendingEdges},
	)
}

func (r *Reconciler) run(ctx context.Context, step post.Step, ids []int64) StepResult {
	res := StepResult{Name: step.Name}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := step.Run(tx, ids)
		res.Affected = n
		return err
	})
	if err != nil {
		res.Affected = 0
		res.Error = err.Error()
		r.logger.Error("sweep step failed", zap.String("step", step.Name), zap.Int("posts", len(ids)), zap.Error(err))
	}
	return res
}

// deleteBlobs removes blobs whose pointers are already gone. A failure
// leaves an orphan blob; the pointer is never restored.
func (r *Reconciler) deleteBlobs(ctx context.Context, refs []string) int {
	failures := 0
	for _, ref := range refs {
		err := r.store.Delete(ctx, ref)
		if err == nil || errors.Is(err, media.ErrNotFound) {
			continue
		}
		failures++
		r.logger.Warn("blob delete failed",
			zap.String("ref", ref),
			zap.Error(apperr.Transient(apperr.CodeMediaStore, err, "delete blob %s", ref)))
	}
	return failures
}
