package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnknownTask is returned by RunNow for a name with no ticker.
	ErrUnknownTask = errors.New("scheduler: unknown task")
	// ErrBusy is returned by RunNow while the task is already running.
	ErrBusy = errors.New("scheduler: task already running")
)

// TaskFn is the function signature for scheduled tasks. ctx is cancelled
// when the scheduler stops.
type TaskFn func(ctx context.Context)

// TaskInfo describes a registered ticker task.
type TaskInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Skipped  int64         `json:"skipped"`
	Running  bool          `json:"running"`
	LastRun  time.Time     `json:"last_run"`
}

// Scheduler manages periodic and delayed tasks. A ticker task never
// overlaps with itself: a tick that fires while the previous run is still
// in progress is skipped.
type Scheduler struct {
	mu       sync.Mutex
	tickers  map[string]*tickerEntry
	timers   map[string]*time.Timer
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

type tickerEntry struct {
	name     string
	interval time.Duration
	fn       TaskFn
	ticker   *time.Ticker
	stopCh   chan struct{}
	running  atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
	lastRun  atomic.Int64 // unix nanos
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tickers: make(map[string]*tickerEntry),
		timers:  make(map[string]*time.Timer),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddTicker registers a task to run on a fixed interval.
// If a task with the same name exists, it is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tickers[name]; ok {
		close(old.stopCh)
		delete(s.tickers, name)
	}

	entry := &tickerEntry{
		name:     name,
		interval: interval,
		fn:       fn,
		ticker:   time.NewTicker(interval),
		stopCh:   make(chan struct{}),
	}
	s.tickers[name] = entry

	go func() {
		defer entry.ticker.Stop()
		for {
			select {
			case <-entry.ticker.C:
				s.exec(entry)
			case <-entry.stopCh:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// exec runs the task unless a previous run is still in progress.
func (s *Scheduler) exec(e *tickerEntry) bool {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.logger.Debug("scheduler task still running, tick skipped", zap.String("task", e.name))
		return false
	}
	defer e.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", e.name),
				zap.Any("recover", r))
		}
	}()
	e.lastRun.Store(time.Now().UnixNano())
	e.runs.Add(1)
	e.fn(s.ctx)
	return true
}

// RunNow runs a registered ticker task synchronously, outside its
// schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	entry, ok := s.tickers[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	if !s.exec(entry) {
		return ErrBusy
	}
	return nil
}

// AddDelay runs fn once after the given delay.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[name]; ok {
		old.Stop()
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("delay task panicked",
					zap.String("task", name), zap.Any("recover", r))
			}
			s.mu.Lock()
			delete(s.timers, name)
			s.mu.Unlock()
		}()
		if s.ctx.Err() != nil {
			return
		}
		fn(s.ctx)
	})
}

// Remove stops and removes a ticker or delay task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.tickers[name]; ok {
		close(entry.stopCh)
		delete(s.tickers, name)
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

// Stop stops all tasks and cancels the context of running ones.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		for name, t := range s.timers {
			t.Stop()
			delete(s.timers, name)
		}
		s.mu.Unlock()
	})
}

// ListTickers returns the names of all registered ticker tasks, sorted.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tickers))
	for name := range s.tickers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns the state of every ticker task, sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tickers))
	for _, e := range s.tickers {
		info := TaskInfo{
			Name:     e.name,
			Interval: e.interval,
			Runs:     e.runs.Load(),
			Skipped:  e.skipped.Load(),
			Running:  e.running.Load(),
		}
		if ns := e.lastRun.Load(); ns > 0 {
			info.LastRun = time.Unix(0, ns).UTC()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
