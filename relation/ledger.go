// Package relation tracks join requests and blocks between users.
package relation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kasuganosora/ephemera/apperr"
	"github.com/kasuganosora/ephemera/audit"
	"github.com/kasuganosora/ephemera/cache"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/model"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	blockSetTTL     = 5 * time.Minute
	blockGenTTL     = 2 * blockSetTTL
	maxGroupNameLen = 64
	maxReasonLen    = 255
)

// JoinRequests is the invitation view of the ledger.
type JoinRequests interface {
	RequestJoin(ctx context.Context, ownerID int64, targetUsername string, groupID int64, postID *int64) (*model.RelationshipEdge, error)
	Accept(ctx context.Context, edgeID, actingUserID int64) (*model.RelationshipEdge, error)
	Ignore(ctx context.Context, edgeID, actingUserID int64) (*model.RelationshipEdge, error)
	Pending(ctx context.Context, userID int64) ([]model.RelationshipEdge, error)
}

// BlockEdges is the moderation view of the ledger. A block is stored as a
// single directed row but hides content in both directions.
type BlockEdges interface {
	Block(ctx context.Context, requesterID, targetID int64, reason string, postID *int64) (*model.RelationshipEdge, error)
	Unblock(ctx context.Context, requesterID, targetID int64, groupID *int64) (int64, error)
	IsBlockedBetween(ctx context.Context, a, b int64) (bool, error)
	BlockedUserIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Auditor receives moderation transitions.
type Auditor interface {
	Record(ctx context.Context, entry audit.AuditEntry)
}

var (
	_ JoinRequests = (*Ledger)(nil)
	_ BlockEdges   = (*Ledger)(nil)
)

var edgeKey = []clause.Column{{Name: "group_id"}, {Name: "requester_id"}, {Name: "target_id"}}

// Ledger stores relationship edges and group membership.
type Ledger struct {
	db      *gorm.DB
	clock   clock.Clock
	ttl     time.Duration
	cache   cache.Cache
	auditor Auditor
	logger  *zap.Logger
}

// NewLedger creates a Ledger. ttl is the post visibility window, used to
// validate the post a join request refers to.
func NewLedger(db *gorm.DB, clk clock.Clock, ttl time.Duration, c cache.Cache, auditor Auditor, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, clock: clk, ttl: ttl, cache: c, auditor: auditor, logger: logger}
}

// CreateGroup creates a content group with ownerID as its first member.
func (l *Ledger) CreateGroup(ctx context.Context, ownerID int64, name string) (*model.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxGroupNameLen {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "group name must be 1-%d characters", maxGroupNameLen)
	}
	now := l.clock.Now()
	g := &model.Group{OwnerID: ownerID, Name: name, CreatedAt: now}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		return tx.Create(&model.GroupMember{GroupID: g.ID, UserID: ownerID, JoinedAt: now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

// RequestJoin invites the user named targetUsername into groupID. The
// username match ignores case and a leading "@".
func (l *Ledger) RequestJoin(ctx context.Context, ownerID int64, targetUsername string, groupID int64, postID *int64) (*model.RelationshipEdge, error) {
	g, err := l.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.OwnerID != ownerID {
		return nil, apperr.Forbidden(apperr.CodeNotOwner, "only the owner can invite into group %d", groupID)
	}
	target, err := l.resolveUser(ctx, targetUsername)
	if err != nil {
		return nil, err
	}
	if target.ID == ownerID {
		return nil, apperr.Validation(apperr.CodeSelfTarget, "cannot invite yourself")
	}
	if postID != nil {
		if err := l.checkPostActive(ctx, *postID); err != nil {
			return nil, err
		}
	}

	blocked, err := l.IsBlockedBetween(ctx, ownerID, target.ID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, apperr.Gone(apperr.CodeBlocked, "user %s is not available", target.Username)
	}

	edge := &model.RelationshipEdge{
		GroupID:     groupID,
		RequesterID: ownerID,
		TargetID:    target.ID,
		PostID:      postID,
		Status:      model.EdgeStatusPending,
		CreatedAt:   l.clock.Now(),
	}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.RelationshipEdge
		err := tx.Where("group_id = ? AND requester_id = ? AND target_id = ?", groupID, ownerID, target.ID).
			First(&existing).Error
		switch {
		case err == nil && existing.Status == model.EdgeStatusBlocked:
			return apperr.Gone(apperr.CodeBlocked, "user %s is not available", target.Username)
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return upsertEdge(tx, edge, "status", "post_id", "reason", "created_at", "responded_at", "blocked_by")
	})
	if err != nil {
		return nil, wrap("request join", err)
	}
	l.logger.Debug("join requested",
		zap.Int64("group_id", groupID), zap.Int64("owner_id", ownerID), zap.Int64("target_id", target.ID))
	return edge, nil
}

// Accept moves a pending request to accepted and adds the target to the
// group. Only the invited user may accept.
func (l *Ledger) Accept(ctx context.Context, edgeID, actingUserID int64) (*model.RelationshipEdge, error) {
	return l.respond(ctx, edgeID, actingUserID, model.EdgeStatusAccepted)
}

// Ignore moves a pending request to ignored.
func (l *Ledger) Ignore(ctx context.Context, edgeID, actingUserID int64) (*model.RelationshipEdge, error) {
	return l.respond(ctx, edgeID, actingUserID, model.EdgeStatusIgnored)
}

func (l *Ledger) respond(ctx context.Context, edgeID, actingUserID int64, to model.EdgeStatus) (*model.RelationshipEdge, error) {
	var edge model.RelationshipEdge
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&edge, edgeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(apperr.CodeEdgeNotFound, "request %d not found", edgeID)
			}
			return err
		}
		if edge.TargetID != actingUserID {
			return apperr.Forbidden(apperr.CodeNotTarget, "request %d is addressed to another user", edgeID)
		}
		if edge.Status != model.EdgeStatusPending {
			return apperr.Conflict(apperr.CodeAlreadyHandled, "request %d already handled", edgeID)
		}

		now := l.clock.Now()
		res := tx.Model(&model.RelationshipEdge{}).
			Where("id = ? AND status = ?", edgeID, model.EdgeStatusPending).
			Updates(map[string]interface{}{"status": to, "responded_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict(apperr.CodeAlreadyHandled, "request %d already handled", edgeID)
		}
		edge.Status = to
		edge.RespondedAt = &now

		if to != model.EdgeStatusAccepted {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.GroupMember{GroupID: edge.GroupID, UserID: edge.TargetID, JoinedAt: now}).Error
	})
	if err != nil {
		return nil, wrap("respond to request", err)
	}
	return &edge, nil
}

// Pending lists open requests addressed to userID, newest first.
func (l *Ledger) Pending(ctx context.Context, userID int64) ([]model.RelationshipEdge, error) {
	var edges []model.RelationshipEdge
	err := l.db.WithContext(ctx).
		Where("target_id = ? AND status = ?", userID, model.EdgeStatusPending).
		Order("created_at DESC, id DESC").
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// Block records a user-to-user block in the system group. It overrides
// any previous state of that edge.
func (l *Ledger) Block(ctx context.Context, requesterID, targetID int64, reason string, postID *int64) (*model.RelationshipEdge, error) {
	if requesterID == targetID {
		return nil, apperr.Validation(apperr.CodeSelfTarget, "cannot block yourself")
	}
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "reason exceeds %d characters", maxReasonLen)
	}
	if err := l.userExists(ctx, targetID); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	edge := &model.RelationshipEdge{
		GroupID:     model.SystemGroupID,
		RequesterID: requesterID,
		TargetID:    targetID,
		PostID:      postID,
		Status:      model.EdgeStatusBlocked,
		Reason:      lo.EmptyableToPtr(reason),
		CreatedAt:   now,
		RespondedAt: &now,
		BlockedBy:   lo.ToPtr(requesterID),
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.RelationshipEdge{}).
			Where("group_id = ? AND requester_id = ? AND target_id = ? AND status = ?",
				model.SystemGroupID, requesterID, targetID, model.EdgeStatusBlocked).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperr.Conflict(apperr.CodeAlreadyBlocked, "user %d is already blocked", targetID)
		}
		cols := []string{"status", "reason", "responded_at", "blocked_by"}
		if postID != nil {
			cols = append(cols, "post_id")
		}
		return upsertEdge(tx, edge, cols...)
	})
	if err != nil {
		return nil, wrap("block", err)
	}

	l.invalidate(ctx, requesterID, targetID)
	l.auditor.Record(ctx, audit.AuditEntry{
		ActorID:  lo.ToPtr(requesterID),
		TargetID: lo.ToPtr(targetID),
		PostID:   postID,
		Action:   audit.ActionBlock,
		Detail:   map[string]interface{}{"reason": reason},
	})
	return edge, nil
}

// Unblock moves the blocked edges between requesterID and targetID that
// requesterID placed to left, in either direction. With a nil groupID every
// group is considered. It returns the number of edges moved.
func (l *Ledger) Unblock(ctx context.Context, requesterID, targetID int64, groupID *int64) (int64, error) {
	q := l.db.WithContext(ctx).Model(&model.RelationshipEdge{}).
		Where("status = ?", model.EdgeStatusBlocked).
		Where("((requester_id = ? AND target_id = ?) OR (requester_id = ? AND target_id = ?))",
			requesterID, targetID, targetID, requesterID).
		Where("(blocked_by = ? OR (blocked_by IS NULL AND requester_id = ?))", requesterID, requesterID)
	if groupID != nil {
		q = q.Where("group_id = ?", *groupID)
	}
	res := q.Updates(map[string]interface{}{
		"status":       model.EdgeStatusLeft,
		"reason":       nil,
		"responded_at": l.clock.Now(),
		"blocked_by":   nil,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("unblock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, apperr.NotFound(apperr.CodeEdgeNotFound, "no block placed by %d between %d and %d", requesterID, requesterID, targetID)
	}

	l.invalidate(ctx, requesterID, targetID)
	l.auditor.Record(ctx, audit.AuditEntry{
		ActorID:  lo.ToPtr(requesterID),
		TargetID: lo.ToPtr(targetID),
		GroupID:  groupID,
		Action:   audit.ActionUnblock,
		Detail:   map[string]interface{}{"edges": res.RowsAffected},
	})
	return res.RowsAffected, nil
}

// IsBlockedBetween reports whether a blocked edge exists between a and b
// in either direction.
func (l *Ledger) IsBlockedBetween(ctx context.Context, a, b int64) (bool, error) {
	if a == b {
		return false, nil
	}
	ids, err := l.BlockedUserIDs(ctx, a)
	if err != nil {
		return false, err
	}
	return lo.Contains(ids, b), nil
}

// BlockedUserIDs returns every user on the other side of a block with
// userID, sorted ascending.
func (l *Ledger) BlockedUserIDs(ctx context.Context, userID int64) ([]int64, error) {
	// The generation is read before the database so that a set loaded
	// before a concurrent block is written under a generation that block
	// has already replaced.
	gen := l.generation(ctx, userID)
	if raw, err := l.cache.Get(ctx, blockSetKey(userID)); err == nil {
		tag, ids, perr := decodeBlockSet(raw)
		switch {
		case perr != nil:
			l.logger.Warn("corrupt block set in cache", zap.Int64("user_id", userID))
		case tag == gen:
			return ids, nil
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		l.logger.Warn("block set cache read failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	ids, err := l.loadBlocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	l.storeBlockSet(ctx, userID, gen, ids)
	return ids, nil
}

func (l *Ledger) loadBlocked(ctx context.Context, userID int64) ([]int64, error) {
	var edges []model.RelationshipEdge
	err := l.db.WithContext(ctx).
		Select("requester_id", "target_id").
		Where("status = ? AND (requester_id = ? OR target_id = ?)", model.EdgeStatusBlocked, userID, userID).
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("load blocks of %d: %w", userID, err)
	}
	ids := lo.Uniq(lo.FilterMap(edges, func(e model.RelationshipEdge, _ int) (int64, bool) {
		if e.RequesterID == userID {
			return e.TargetID, e.TargetID != userID
		}
		return e.RequesterID, true
	}))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Ledger) storeBlockSet(ctx context.Context, userID int64, gen string, ids []int64) {
	if err := l.cache.Set(ctx, blockSetKey(userID), encodeBlockSet(gen, ids), blockSetTTL); err != nil {
		l.logger.Warn("block set cache write failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// generation returns the current block-set generation of userID, or ""
// when none was recorded.
func (l *Ledger) generation(ctx context.Context, userID int64) string {
	gen, err := l.cache.Get(ctx, blockGenKey(userID))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			l.logger.Warn("block generation read failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return ""
	}
	return gen
}

// Leave removes memberID from groupID. The owner→member edge becomes left,
// or blocked when block is set, in which case the member also blocks the
// owner in the system group.
func (l *Ledger) Leave(ctx context.Context, groupID, memberID int64, block bool, reason string) error {
	g, err := l.group(ctx, groupID)
	if err != nil {
		return err
	}
	if g.OwnerID == memberID {
		return apperr.Validation(apperr.CodeInvalidInput, "the owner cannot leave group %d", groupID)
	}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.separate(tx, g, memberID, memberID, block, reason)
	})
	if err != nil {
		return wrap("leave group", err)
	}
	if block {
		l.invalidate(ctx, g.OwnerID, memberID)
		l.auditor.Record(ctx, audit.AuditEntry{
			ActorID:  lo.ToPtr(memberID),
			TargetID: lo.ToPtr(g.OwnerID),
			GroupID:  lo.ToPtr(groupID),
			Action:   audit.ActionLeave,
			Detail:   map[string]interface{}{"block": true, "reason": reason},
		})
	}
	return nil
}

// Expel removes memberID from groupID on behalf of its owner and deletes
// the member's chat messages on the group's posts.
func (l *Ledger) Expel(ctx context.Context, groupID, actorID, memberID int64, block bool, reason string) error {
	g, err := l.group(ctx, groupID)
	if err != nil {
		return err
	}
	if g.OwnerID != actorID {
		return apperr.Forbidden(apperr.CodeNotOwner, "only the owner can expel from group %d", groupID)
	}
	if memberID == actorID {
		return apperr.Validation(apperr.CodeSelfTarget, "cannot expel yourself")
	}

	var purged int64
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.separate(tx, g, memberID, actorID, block, reason); err != nil {
			return err
		}
		res := tx.Where("sender_id = ? AND post_id IN (?)", memberID,
			tx.Model(&model.Post{}).Select("id").Where("group_id = ?", groupID)).
			Delete(&model.ChannelMessage{})
		purged = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return wrap("expel member", err)
	}
	if block {
		l.invalidate(ctx, g.OwnerID, memberID)
	}
	l.auditor.Record(ctx, audit.AuditEntry{
		ActorID:  lo.ToPtr(actorID),
		TargetID: lo.ToPtr(memberID),
		GroupID:  lo.ToPtr(groupID),
		Action:   audit.ActionExpel,
		Detail:   map[string]interface{}{"block": block, "reason": reason, "messages_purged": purged},
	})
	l.logger.Info("member expelled",
		zap.Int64("group_id", groupID), zap.Int64("member_id", memberID), zap.Bool("block", block))
	return nil
}

// separate deletes the membership and applies the leave/expel transition.
// Blocked edges are attributed to actorID.
func (l *Ledger) separate(tx *gorm.DB, g *model.Group, memberID, actorID int64, block bool, reason string) error {
	res := tx.Where("group_id = ? AND user_id = ?", g.ID, memberID).Delete(&model.GroupMember{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(apperr.CodeNotMember, "user %d is not a member of group %d", memberID, g.ID)
	}

	now := l.clock.Now()
	status := model.EdgeStatusLeft
	var why *string
	var by *int64
	if block {
		status = model.EdgeStatusBlocked
		why = lo.EmptyableToPtr(reason)
		by = lo.ToPtr(actorID)
	}
	edge := &model.RelationshipEdge{
		GroupID:     g.ID,
		RequesterID: g.OwnerID,
		TargetID:    memberID,
		Status:      status,
		Reason:      why,
		CreatedAt:   now,
		RespondedAt: &now,
		BlockedBy:   by,
	}
	if err := upsertEdge(tx, edge, "status", "reason", "responded_at", "blocked_by"); err != nil {
		return err
	}
	if !block {
		return nil
	}
	return upsertEdge(tx, &model.RelationshipEdge{
		GroupID:     model.SystemGroupID,
		RequesterID: memberID,
		TargetID:    g.OwnerID,
		Status:      model.EdgeStatusBlocked,
		Reason:      why,
		CreatedAt:   now,
		RespondedAt: &now,
		BlockedBy:   by,
	}, "status", "reason", "responded_at", "blocked_by")
}

// upsertEdge inserts e or overwrites cols on the existing edge with the
// same key, then reloads e from the stored row.
func upsertEdge(tx *gorm.DB, e *model.RelationshipEdge, cols ...string) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   edgeKey,
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(e).Error
	if err != nil {
		return err
	}
	var stored model.RelationshipEdge
	if err := tx.Where("group_id = ? AND requester_id = ? AND target_id = ?", e.GroupID, e.RequesterID, e.TargetID).
		First(&stored).Error; err != nil {
		return err
	}
	*e = stored
	return nil
}

func (l *Ledger) group(ctx context.Context, groupID int64) (*model.Group, error) {
	var g model.Group
	if err := l.db.WithContext(ctx).First(&g, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.CodeGroupNotFound, "group %d not found", groupID)
		}
		return nil, err
	}
	return &g, nil
}

func (l *Ledger) resolveUser(ctx context.Context, username string) (*model.User, error) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	if name == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "username is required")
	}
	var u model.User
	if err := l.db.WithContext(ctx).Where("LOWER(username) = ?", name).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.CodeUserNotFound, "user %q not found", name)
		}
		return nil, err
	}
	return &u, nil
}

func (l *Ledger) userExists(ctx context.Context, userID int64) error {
	var n int64
	if err := l.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(apperr.CodeUserNotFound, "user %d not found", userID)
	}
	return nil
}

func (l *Ledger) checkPostActive(ctx context.Context, postID int64) error {
	var p model.Post
	if err := l.db.WithContext(ctx).First(&p, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(apperr.CodePostNotFound, "post %d not found", postID)
		}
		return err
	}
	if !p.ActiveAt(l.clock.Now(), l.ttl) {
		return apperr.Gone(apperr.CodePostGone, "post %d is no longer available", postID)
	}
	return nil
}

// invalidate moves each user to a fresh generation, which retires any
// cached set including one still being written by a concurrent reader.
func (l *Ledger) invalidate(ctx context.Context, userIDs ...int64) {
	for _, id := range userIDs {
		if err := l.cache.Set(ctx, blockGenKey(id), uuid.NewString(), blockGenTTL); err != nil {
			l.logger.Warn("block generation bump failed", zap.Int64("user_id", id), zap.Error(err))
		}
	}
	keys := lo.Map(userIDs, func(id int64, _ int) string { return blockSetKey(id) })
	if err := l.cache.Del(ctx, keys...); err != nil {
		l.logger.Warn("block set invalidation failed", zap.Int64s("user_ids", userIDs), zap.Error(err))
	}
}

// wrap keeps typed errors as they are and adds context to the rest.
func wrap(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func blockSetKey(userID int64) string {
	return "blocks:" + strconv.FormatInt(userID, 10)
}

func blockGenKey(userID int64) string {
	return "blocks_gen:" + strconv.FormatInt(userID, 10)
}

// encodeBlockSet stores ids as "<generation>|<id>,<id>,...".
func encodeBlockSet(gen string, ids []int64) string {
	return gen + "|" + encodeIDs(ids)
}

func decodeBlockSet(raw string) (string, []int64, error) {
	gen, list, ok := strings.Cut(raw, "|")
	if !ok {
		return "", nil, errors.New("block set without generation")
	}
	ids, err := decodeIDs(list)
	if err != nil {
		return "", nil, err
	}
	return gen, ids, nil
}

func encodeIDs(ids []int64) string {
	return strings.Join(lo.Map(ids, func(id int64, _ int) string { return strconv.FormatInt(id, 10) }), ",")
}

func decodeIDs(raw string) ([]int64, error) {
	if raw == "" {
		return []int64{}, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
