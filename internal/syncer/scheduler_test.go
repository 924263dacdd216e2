package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teamtrace/teamtrace/internal/creds"
	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
)

// blockingClient parks every history call until release is closed, so tests
// can hold a sync in the running state.
type blockingClient struct {
	release chan struct{}
}

func (b *blockingClient) ChannelHistory(ctx context.Context, _ string, _ slackapi.HistoryRequest) (slackapi.HistoryPage, error) {
	select {
	case <-ctx.Done():
		return slackapi.HistoryPage{}, ctx.Err()
	case <-b.release:
		return slackapi.HistoryPage{}, nil
	}
}

func (b *blockingClient) ThreadReplies(context.Context, string, slackapi.RepliesRequest) (slackapi.HistoryPage, error) {
	return slackapi.HistoryPage{}, nil
}

func (b *blockingClient) ListChannels(context.Context, string, string, int) (slackapi.ChannelPage, error) {
	return slackapi.ChannelPage{}, nil
}

func (b *blockingClient) ListUsers(context.Context, string, string, int) (slackapi.UserPage, error) {
	return slackapi.UserPage{}, nil
}

func (b *blockingClient) UserInfo(context.Context, string, string) (*slackapi.User, error) {
	return nil, &slackapi.APIError{Code: "user_not_found"}
}

func newTestScheduler(t *testing.T, client SourceClient) (*Scheduler, *store.Workspace, *store.Channel) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	ws := &store.Workspace{ProviderID: "T1", Name: "acme"}
	if err := st.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatalf("upsert workspace: %v", err)
	}
	ch := &store.Channel{WorkspaceID: ws.ID, ProviderID: "C1", Name: "general"}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	s, err := New(st, client, &creds.StaticProvider{Tokens: map[string]string{"T1": "tok"}}, nil, Options{})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	sched := NewScheduler(s, nil)
	t.Cleanup(sched.Close)
	return sched, ws, ch
}

func waitForStatus(t *testing.T, sched *Scheduler, taskID string, want TaskStatus) TaskSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, ok := sched.Task(taskID)
		if !ok {
			t.Fatalf("task %s disappeared", taskID)
		}
		if snapshot.Status == want {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	snapshot, _ := sched.Task(taskID)
	t.Fatalf("task %s stuck in %s, want %s", taskID, snapshot.Status, want)
	return TaskSnapshot{}
}

func TestSchedulerSingleFlightPerChannel(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	sched, ws, ch := newTestScheduler(t, client)
	params := SyncParams{WorkspaceID: ws.ID, ChannelID: ch.ID}

	first, err := sched.Launch(params)
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if first.Status != TaskRunning {
		t.Fatalf("first task status = %s", first.Status)
	}

	if _, err := sched.Launch(params); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("second launch: %v, want ErrSyncInFlight", err)
	}

	close(client.release)
	waitForStatus(t, sched, first.ID, TaskSucceeded)

	// The channel slot frees up once the task finishes.
	client.release = make(chan struct{})
	close(client.release)
	second, err := sched.Launch(params)
	if err != nil {
		t.Fatalf("relaunch after completion: %v", err)
	}
	done := waitForStatus(t, sched, second.ID, TaskSucceeded)
	if done.Report == nil {
		t.Fatal("finished task has no report")
	}
}

func TestSchedulerCancelRunningTask(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	sched, ws, ch := newTestScheduler(t, client)

	snapshot, err := sched.Launch(SyncParams{WorkspaceID: ws.ID, ChannelID: ch.ID})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !sched.Cancel(snapshot.ID) {
		t.Fatal("cancel returned false for a running task")
	}
	final := waitForStatus(t, sched, snapshot.ID, TaskCancelled)
	if final.FinishedAt == nil {
		t.Fatal("cancelled task has no finish time")
	}

	if sched.Cancel("no-such-task") {
		t.Fatal("cancel of unknown task returned true")
	}
}

func TestSchedulerTasksListing(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	close(client.release)
	sched, ws, ch := newTestScheduler(t, client)

	snap, err := sched.Launch(SyncParams{WorkspaceID: ws.ID, ChannelID: ch.ID})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForStatus(t, sched, snap.ID, TaskSucceeded)

	tasks := sched.Tasks()
	if len(tasks) != 1 || tasks[0].ID != snap.ID {
		t.Fatalf("unexpected task listing: %+v", tasks)
	}
	if _, ok := sched.Task("missing"); ok {
		t.Fatal("lookup of unknown task succeeded")
	}
}

func TestSchedulerEvictsOldestFinishedTasks(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	close(client.release)
	sched, ws, ch := newTestScheduler(t, client)
	sched.keepFinished = 1
	params := SyncParams{WorkspaceID: ws.ID, ChannelID: ch.ID}

	first, err := sched.Launch(params)
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}
	waitForStatus(t, sched, first.ID, TaskSucceeded)

	second, err := sched.Launch(params)
	if err != nil {
		t.Fatalf("second launch: %v", err)
	}
	waitForStatus(t, sched, second.ID, TaskSucceeded)

	if _, ok := sched.Task(first.ID); ok {
		t.Fatal("oldest finished task not evicted")
	}
	tasks := sched.Tasks()
	if len(tasks) != 1 || tasks[0].ID != second.ID {
		t.Fatalf("unexpected retained tasks: %+v", tasks)
	}
}

func TestSchedulerClosedRejectsLaunch(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	close(client.release)
	sched, ws, ch := newTestScheduler(t, client)

	sched.Close()
	if _, err := sched.Launch(SyncParams{WorkspaceID: ws.ID, ChannelID: ch.ID}); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("launch after close: %v", err)
	}
}
