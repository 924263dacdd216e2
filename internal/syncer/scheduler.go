package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSyncInFlight = errors.New("a sync is already in flight for this channel")
var ErrSchedulerClosed = errors.New("scheduler is closed")

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskSnapshot is an immutable view of one sync task's state.
type TaskSnapshot struct {
	ID          string      `json:"id"`
	WorkspaceID int64       `json:"workspaceId"`
	ChannelID   int64       `json:"channelId"`
	Status      TaskStatus  `json:"status"`
	Report      *SyncReport `json:"report,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
}

type task struct {
	snapshot TaskSnapshot
	cancel   context.CancelFunc
}

// Scheduler owns the running-sync registry: one background task per
// (workspace, channel), single-flight per channel, cooperative cancellation.
// Status lookup and cancellation are methods on this component; nothing is
// shared globally.
// defaultKeepFinished bounds how many completed task snapshots the scheduler
// retains for status lookups. Running tasks are never evicted.
const defaultKeepFinished = 128

type Scheduler struct {
	syncer *Syncer
	logger Logger

	mu           sync.Mutex
	tasks        map[string]*task
	inflight     map[int64]string
	keepFinished int
	closed       bool
	wg           sync.WaitGroup
}

func NewScheduler(s *Syncer, logger Logger) *Scheduler {
	return &Scheduler{
		syncer:       s,
		logger:       logger,
		tasks:        map[string]*task{},
		inflight:     map[int64]string{},
		keepFinished: defaultKeepFinished,
	}
}

// Launch starts a background sync for one channel. A second launch for the
// same channel while the first is running returns ErrSyncInFlight; the
// store's (channel_id, slack_ts) uniqueness remains the backstop for syncs
// launched out of band.
func (sch *Scheduler) Launch(params SyncParams) (TaskSnapshot, error) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.closed {
		return TaskSnapshot{}, ErrSchedulerClosed
	}
	if _, busy := sch.inflight[params.ChannelID]; busy {
		return TaskSnapshot{}, ErrSyncInFlight
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		snapshot: TaskSnapshot{
			ID:          uuid.NewString(),
			WorkspaceID: params.WorkspaceID,
			ChannelID:   params.ChannelID,
			Status:      TaskRunning,
			StartedAt:   time.Now().UTC(),
		},
		cancel: cancel,
	}
	sch.tasks[t.snapshot.ID] = t
	sch.inflight[params.ChannelID] = t.snapshot.ID

	sch.wg.Add(1)
	go sch.run(ctx, t, params)
	return t.snapshot, nil
}

func (sch *Scheduler) run(ctx context.Context, t *task, params SyncParams) {
	defer sch.wg.Done()
	report, err := sch.syncer.SyncChannelMessages(ctx, params)

	sch.mu.Lock()
	defer sch.mu.Unlock()
	now := time.Now().UTC()
	t.snapshot.FinishedAt = &now
	t.snapshot.Report = report
	switch {
	case errors.Is(err, context.Canceled):
		// Pages committed before cancellation stay committed.
		t.snapshot.Status = TaskCancelled
	case err != nil:
		t.snapshot.Status = TaskFailed
		t.snapshot.Error = err.Error()
		sch.logf("sync task %s failed: %v", t.snapshot.ID, err)
	default:
		t.snapshot.Status = TaskSucceeded
	}
	delete(sch.inflight, params.ChannelID)
	sch.evictFinishedLocked()
}

// evictFinishedLocked drops the oldest completed snapshots once their number
// exceeds keepFinished. Callers hold sch.mu.
func (sch *Scheduler) evictFinishedLocked() {
	var finished []*task
	for _, t := range sch.tasks {
		if t.snapshot.FinishedAt != nil {
			finished = append(finished, t)
		}
	}
	if len(finished) <= sch.keepFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].snapshot.FinishedAt.Before(*finished[j].snapshot.FinishedAt)
	})
	for _, t := range finished[:len(finished)-sch.keepFinished] {
		delete(sch.tasks, t.snapshot.ID)
	}
}

// Cancel requests cooperative cancellation of a running task.
func (sch *Scheduler) Cancel(taskID string) bool {
	sch.mu.Lock()
	t, ok := sch.tasks[taskID]
	sch.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

func (sch *Scheduler) Task(taskID string) (TaskSnapshot, bool) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	t, ok := sch.tasks[taskID]
	if !ok {
		return TaskSnapshot{}, false
	}
	return t.snapshot, true
}

func (sch *Scheduler) Tasks() []TaskSnapshot {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(sch.tasks))
	for _, t := range sch.tasks {
		out = append(out, t.snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close cancels every running task and waits for them to drain.
func (sch *Scheduler) Close() {
	sch.mu.Lock()
	if sch.closed {
		sch.mu.Unlock()
		return
	}
	sch.closed = true
	for _, t := range sch.tasks {
		t.cancel()
	}
	sch.mu.Unlock()
	sch.wg.Wait()
}

func (sch *Scheduler) logf(format string, args ...any) {
	if sch.logger == nil {
		return
	}
	sch.logger.Printf(format, args...)
}
