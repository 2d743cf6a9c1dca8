package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kasuganosora/ephemera/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Actions recorded by the moderation and lifecycle services.
const (
	ActionBlock      = "block"
	ActionUnblock    = "unblock"
	ActionLeave      = "leave"
	ActionExpel      = "expel"
	ActionSoftDelete = "post_soft_delete"
	ActionSweep      = "sweep"
)

// AuditEntry holds one audit event to be logged.
type AuditEntry struct {
	TraceID  string
	ActorID  *int64
	TargetID *int64
	GroupID  *int64
	PostID   *int64
	Action   string
	Detail   interface{}
	Error    string
}

type traceKey struct{}

// WithTraceID returns a context carrying the request trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFrom returns the trace id stored by WithTraceID, or "".
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db       *gorm.DB
	ch       chan *model.AuditLog
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, 1024),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Record enqueues entry, filling its trace id from ctx when unset.
func (svc *Service) Record(ctx context.Context, entry AuditEntry) {
	if entry.TraceID == "" {
		entry.TraceID = TraceIDFrom(ctx)
	}
	svc.Log(entry)
}

// Log enqueues an audit entry for async DB write.
func (svc *Service) Log(entry AuditEntry) {
	var detail datatypes.JSON
	if entry.Detail != nil {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			svc.logger.Warn("audit detail not serializable", zap.String("action", entry.Action), zap.Error(err))
		} else {
			detail = datatypes.JSON(b)
		}
	}
	record := &model.AuditLog{
		TraceID:  entry.TraceID,
		ActorID:  entry.ActorID,
		TargetID: entry.TargetID,
		GroupID:  entry.GroupID,
		PostID:   entry.PostID,
		Action:   entry.Action,
		Detail:   detail,
		Error:    entry.Error,
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", entry.Action))
	}
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.stopOnce.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
