package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/ephemera/audit"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/media"
	"github.com/kasuganosora/ephemera/media/mock"
	"github.com/kasuganosora/ephemera/model"
	"github.com/kasuganosora/ephemera/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"
)

const testTTL = 1440 * time.Minute

type recorder struct {
	mu      sync.Mutex
	entries []audit.AuditEntry
}

func (r *recorder) Record(_ context.Context, e audit.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type fixture struct {
	rec   *Reconciler
	db    *gorm.DB
	clock *clock.Manual
	store *media.FSStore
	audit *recorder
	owner *model.User
	other *model.User
}

func setup(t *testing.T, batch int) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	clk := testutil.NewClock()
	store, err := media.NewFSStore(afero.NewMemMapFs(), "/media")
	require.NoError(t, err)
	rec := &recorder{}
	return &fixture{
		rec:   New(db, clk, store, Config{TTL: testTTL, BatchSize: batch}, rec, testutil.NopLogger()),
		db:    db,
		clock: clk,
		store: store,
		audit: rec,
		owner: testutil.CreateUser(t, db, "owner"),
		other: testutil.CreateUser(t, db, "other"),
	}
}

// engage attaches one of every kind of dependent to p and returns the
// blocked edge and the blob ref.
func (f *fixture) engage(t *testing.T, p *model.Post) (*model.RelationshipEdge, string) {
	t.Helper()
	ref, err := f.store.Upload(context.Background(), []byte("blob"), media.Meta{ContentType: "text/plain", Size: 4})
	require.NoError(t, err)
	now := f.clock.Now()
	blocked := &model.RelationshipEdge{GroupID: model.SystemGroupID, RequesterID: f.owner.ID, TargetID: f.other.ID,
		PostID: &p.ID, Status: model.EdgeStatusBlocked, CreatedAt: now}
	rows := []interface{}{
		&model.Reaction{PostID: p.ID, UserID: f.other.ID, Emoji: "👍", CreatedAt: now},
		&model.PollVote{PostID: p.ID, UserID: f.other.ID, Choice: 1, CreatedAt: now},
		&model.ChannelMessage{PostID: p.ID, SenderID: f.other.ID, Text: "hi", CreatedAt: now},
		&model.ChannelSubscription{PostID: p.ID, ViewerID: f.other.ID, CreatedAt: now},
		&model.MediaUpload{PostID: p.ID, Ref: ref, ContentType: "text/plain", Size: 4, CreatedAt: now},
		&model.RelationshipEdge{GroupID: 7, RequesterID: f.owner.ID, TargetID: f.other.ID,
			PostID: &p.ID, Status: model.EdgeStatusPending, CreatedAt: now},
		blocked,
	}
	for _, row := range rows {
		require.NoError(t, f.db.Create(row).Error)
	}
	require.NoError(t, f.db.Model(&model.PostMetric{}).Where("post_id = ?", p.ID).
		Updates(map[string]interface{}{"reactions_total": 5, "votes_total": 3, "messages_total": 9}).Error)
	return blocked, ref
}

func count(t *testing.T, db *gorm.DB, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Count(&n).Error)
	return n
}

func engagementCounts(t *testing.T, db *gorm.DB) []int64 {
	t.Helper()
	return []int64{
		count(t, db, &model.Reaction{}),
		count(t, db, &model.PollVote{}),
		count(t, db, &model.ChannelMessage{}),
		count(t, db, &model.ChannelSubscription{}),
		count(t, db, &model.MediaUpload{}),
	}
}

func TestTick_ExpiredPost(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	p := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
	blocked, ref := f.engage(t, p)

	f.clock.Advance(testTTL + time.Second)
	assert.False(t, p.ActiveAt(f.clock.Now(), testTTL))

	rep := f.rec.Tick(ctx)
	assert.Equal(t, []int64{p.ID}, rep.Posts)
	assert.Empty(t, rep.Failed())
	assert.Zero(t, rep.BlobFailures)
	assert.True(t, rep.Changed())

	assert.Equal(t, []int64{0, 0, 0, 0, 0}, engagementCounts(t, f.db))
	exists, err := f.store.Exists(ref)
	require.NoError(t, err)
	assert.False(t, exists)

	var edge model.RelationshipEdge
	require.NoError(t, f.db.First(&edge, blocked.ID).Error)
	assert.Equal(t, model.EdgeStatusBlocked, edge.Status)
	assert.Nil(t, edge.PostID)
	assert.Equal(t, int64(1), count(t, f.db, &model.RelationshipEdge{}), "pending edge dropped")

	var stored model.Post
	require.NoError(t, f.db.First(&stored, p.ID).Error)
	assert.Nil(t, stored.DeletedAt)
	assert.True(t, stored.CreatedAt.Equal(p.CreatedAt))

	var metric model.PostMetric
	require.NoError(t, f.db.First(&metric, "post_id = ?", p.ID).Error)
	assert.Equal(t, int64(5), metric.ReactionsTotal)
	assert.Equal(t, int64(3), metric.VotesTotal)
	assert.Equal(t, int64(9), metric.MessagesTotal)

	assert.Equal(t, 1, f.audit.len())
}

func TestTick_Idempotent(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	p := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
	f.engage(t, p)
	f.clock.Advance(testTTL)

	first := f.rec.Tick(ctx)
	require.True(t, first.Changed())

	second := f.rec.Tick(ctx)
	assert.Empty(t, second.Posts)
	assert.False(t, second.Changed())
	assert.Empty(t, second.Failed())
	assert.Equal(t, 1, f.audit.len(), "an empty sweep is not audited")
}

func TestTick_ActivePostUntouched(t *testing.T) {
	f := setup(t, 0)
	p := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
	f.engage(t, p)
	f.clock.Advance(testTTL - time.Second)

	rep := f.rec.Tick(context.Background())
	assert.Empty(t, rep.Posts)
	assert.Equal(t, []int64{1, 1, 1, 1, 1}, engagementCounts(t, f.db))
}

func TestTick_SoftDeletedPost(t *testing.T) {
	f := setup(t, 0)
	p := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
	f.engage(t, p)
	require.NoError(t, f.db.Model(p).Update("deleted_at", f.clock.Now()).Error)

	rep := f.rec.Tick(context.Background())
	assert.Equal(t, []int64{p.ID}, rep.Posts)
	assert.Equal(t, []int64{0, 0, 0, 0, 0}, engagementCounts(t, f.db))
}

func TestTick_BatchSize(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
		require.NoError(t, f.db.Create(&model.Reaction{PostID: p.ID, UserID: f.other.ID, Emoji: "x"}).Error)
	}
	f.clock.Advance(testTTL)

	assert.Len(t, f.rec.Tick(ctx).Posts, 2)
	assert.Len(t, f.rec.Tick(ctx).Posts, 1)
	assert.Empty(t, f.rec.Tick(ctx).Posts)
}

func TestTick_OrphanPending(t *testing.T) {
	f := setup(t, 0)
	stale := &model.RelationshipEdge{GroupID: 1, RequesterID: f.owner.ID, TargetID: f.other.ID,
		Status: model.EdgeStatusPending, CreatedAt: f.clock.Now()}
	require.NoError(t, f.db.Create(stale).Error)
	f.clock.Advance(testTTL)
	fresh := &model.RelationshipEdge{GroupID: 2, RequesterID: f.owner.ID, TargetID: f.other.ID,
		Status: model.EdgeStatusPending, CreatedAt: f.clock.Now()}
	require.NoError(t, f.db.Create(fresh).Error)

	rep := f.rec.Tick(context.Background())
	require.NotEmpty(t, rep.Steps)
	last := rep.Steps[len(rep.Steps)-1]
	assert.Equal(t, "orphan_pending", last.Name)
	assert.Equal(t, int64(1), last.Affected)

	var left []model.RelationshipEdge
	require.NoError(t, f.db.Find(&left).Error)
	require.Len(t, left, 1)
	assert.Equal(t, fresh.ID, left[0].ID)
}

func TestTick_BlobFailureIsCounted(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock.NewMockStore(ctrl)
	store.EXPECT().Delete(gomock.Any(), "ab0001").Return(errors.New("unreachable"))
	store.EXPECT().Delete(gomock.Any(), "ab0002").Return(media.ErrNotFound)

	db := testutil.SetupTestDB(t)
	clk := testutil.NewClock()
	rec := New(db, clk, store, Config{TTL: testTTL}, &recorder{}, testutil.NopLogger())
	owner := testutil.CreateUser(t, db, "owner")
	p := testutil.CreatePost(t, db, owner.ID, clk.Now())
	for _, ref := range []string{"ab0001", "ab0002"} {
		require.NoError(t, db.Create(&model.MediaUpload{PostID: p.ID, Ref: ref}).Error)
	}
	clk.Advance(testTTL)

	rep := rec.Tick(context.Background())
	assert.Equal(t, 1, rep.BlobFailures)
	assert.Empty(t, rep.Failed())
	assert.Zero(t, count(t, db, &model.MediaUpload{}), "pointers are authoritative")

	// Nothing left to select, so the failed blob is not retried.
	rep = rec.Tick(context.Background())
	assert.Empty(t, rep.Posts)
}

func TestTick_FailingStepIsSkipped(t *testing.T) {
	f := setup(t, 0)
	p := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
	f.engage(t, p)
	f.clock.Advance(testTTL)

	require.NoError(t, f.db.Callback().Delete().Before("gorm:delete").Register("test:fail_poll_votes", func(tx *gorm.DB) {
		if tx.Statement.Table == "poll_votes" {
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	}))

	rep := f.rec.Tick(context.Background())
	assert.Equal(t, []string{"poll_votes"}, rep.Failed())
	assert.Equal(t, []int64{0, 1, 0, 0, 0}, engagementCounts(t, f.db))

	// The leftover vote keeps the post selectable until the step succeeds.
	rep = f.rec.Tick(context.Background())
	assert.Equal(t, []int64{p.ID}, rep.Posts)
}

func TestTick_StuckPostDoesNotStarveOthers(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	stuck := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
	require.NoError(t, f.db.Create(&model.PollVote{PostID: stuck.ID, UserID: f.other.ID, Choice: 1}).Error)
	next := testutil.CreatePost(t, f.db, f.owner.ID, f.clock.Now())
	require.NoError(t, f.db.Create(&model.Reaction{PostID: next.ID, UserID: f.other.ID, Emoji: "x"}).Error)
	f.clock.Advance(testTTL)

	require.NoError(t, f.db.Callback().Delete().Before("gorm:delete").Register("test:fail_poll_votes", func(tx *gorm.DB) {
		if tx.Statement.Table == "poll_votes" {
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	}))

	assert.Equal(t, []int64{stuck.ID}, f.rec.Tick(ctx).Posts)
	assert.Equal(t, []int64{next.ID}, f.rec.Tick(ctx).Posts)
	assert.Zero(t, count(t, f.db, &model.Reaction{}))

	// Wraps around to the post that is still waiting.
	assert.Equal(t, []int64{stuck.ID}, f.rec.Tick(ctx).Posts)
	assert.Equal(t, []int64{stuck.ID}, f.rec.Tick(ctx).Posts)
}

func TestReport(t *testing.T) {
	rep := Report{Steps: []StepResult{{Name: "a"}, {Name: "b", Error: "x"}}}
	assert.False(t, rep.Changed())
	assert.Equal(t, []string{"b"}, rep.Failed())

	rep.Steps[0].Affected = 2
	assert.True(t, rep.Changed())
}
