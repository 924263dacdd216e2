package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teamtrace/teamtrace/internal/store"
)

// BackfillParams scopes a thread-reply backfill pass. ThreadDays of zero
// means no recency bound; Force re-expands threads even when the persisted
// reply count already matches.
type BackfillParams struct {
	WorkspaceID int64 `json:"workspaceId"`
	ChannelID   int64 `json:"channelId"`
	Force       bool  `json:"force"`
	ThreadDays  int   `json:"threadDays,omitempty"`
}

type BackfillReport struct {
	ThreadsSynced int           `json:"threadsSynced"`
	RepliesSynced int           `json:"repliesSynced"`
	Updated       int           `json:"updated"`
	Errors        int           `json:"errors"`
	RateLimited   bool          `json:"rateLimited"`
	RetryAfter    time.Duration `json:"retryAfter,omitempty"`
}

// RepairThreadParentFlags flags every message that satisfies the thread
// parent invariant but lacks the flag. Pure function of persisted state, no
// provider calls, safe to re-run.
func (s *Syncer) RepairThreadParentFlags(ctx context.Context, workspaceID int64) (int64, error) {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: id %d", ErrWorkspaceNotFound, workspaceID)
		}
		return 0, err
	}
	return s.store.RepairThreadParentFlags(ctx, workspaceID)
}

// FixUserReferences runs the set-based user-reference repair, optionally
// scoped to one channel.
func (s *Syncer) FixUserReferences(ctx context.Context, workspaceID int64, channelID *int64) (int64, error) {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: id %d", ErrWorkspaceNotFound, workspaceID)
		}
		return 0, err
	}
	return s.users.FixMessageUserReferences(ctx, workspaceID, channelID)
}

// BackfillThreadReplies re-expands thread parents whose persisted replies lag
// their declared reply count. Per-thread provider failures are logged and
// counted; the pass continues with the next thread.
func (s *Syncer) BackfillThreadReplies(ctx context.Context, params BackfillParams) (*BackfillReport, error) {
	ws, err := s.store.GetWorkspace(ctx, params.WorkspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrWorkspaceNotFound, params.WorkspaceID)
		}
		return nil, err
	}
	ch, err := s.store.GetChannel(ctx, params.ChannelID)
	if err != nil || ch.WorkspaceID != ws.ID {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: id %d", ErrChannelNotFound, params.ChannelID)
	}
	token, err := s.creds.Credential(ctx, ws.ProviderID)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if params.ThreadDays > 0 {
		since = time.Now().UTC().AddDate(0, 0, -params.ThreadDays)
	}

	// Reuse the sync-time expansion loop; the SyncReport doubles as the
	// error/rate-limit accumulator.
	scratch := &SyncReport{WorkspaceID: ws.ID, ChannelID: ch.ID}
	s.expandRecentThreads(ctx, scratch, token, ws, ch, since, params.Force)
	return &BackfillReport{
		ThreadsSynced: scratch.ThreadsSynced,
		RepliesSynced: scratch.RepliesSynced,
		Updated:       scratch.Updated,
		Errors:        scratch.Errors,
		RateLimited:   scratch.RateLimited,
		RetryAfter:    scratch.RetryAfter,
	}, nil
}
