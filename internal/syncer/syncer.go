// Package syncer reconciles channel message history against the provider's
// paginated, eventually-consistent API: fetch, normalize, dedupe, persist,
// expand threads, and repair drift.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/teamtrace/teamtrace/internal/creds"
	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrChannelNotFound   = errors.New("channel not found")
)

// SourceClient is the provider capability surface the synchronizer consumes.
// One implementation per provider, chosen at construction.
type SourceClient interface {
	ChannelHistory(ctx context.Context, token string, req slackapi.HistoryRequest) (slackapi.HistoryPage, error)
	ThreadReplies(ctx context.Context, token string, req slackapi.RepliesRequest) (slackapi.HistoryPage, error)
	ListChannels(ctx context.Context, token, cursor string, limit int) (slackapi.ChannelPage, error)
	ListUsers(ctx context.Context, token, cursor string, limit int) (slackapi.UserPage, error)
	UserInfo(ctx context.Context, token, userID string) (*slackapi.User, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// ErrorCeiling ends a sync call early (without raising) once this many
	// per-unit errors have accumulated.
	ErrorCeiling int
	// ThreadPageLimit is the per-request reply page size.
	ThreadPageLimit int
	// MaxThreadPages bounds reply pagination against degenerate data.
	MaxThreadPages int
	// DefaultBatchSize is the history page size when the caller passes zero.
	DefaultBatchSize int
	// DefaultThreadDays is the thread re-scan recency window when the caller
	// passes zero.
	DefaultThreadDays int
}

func (o Options) withDefaults() Options {
	if o.ErrorCeiling <= 0 {
		o.ErrorCeiling = 10
	}
	if o.ThreadPageLimit <= 0 {
		o.ThreadPageLimit = 200
	}
	if o.MaxThreadPages <= 0 {
		o.MaxThreadPages = 20
	}
	if o.DefaultBatchSize <= 0 {
		o.DefaultBatchSize = 200
	}
	if o.DefaultThreadDays <= 0 {
		o.DefaultThreadDays = 7
	}
	return o
}

type Syncer struct {
	store  store.Store
	client SourceClient
	creds  creds.Provider
	users  *UserResolver
	logger Logger
	opts   Options
}

func New(st store.Store, client SourceClient, credentials creds.Provider, logger Logger, opts Options) (*Syncer, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("source client is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	return &Syncer{
		store:  st,
		client: client,
		creds:  credentials,
		users:  NewUserResolver(st, client, logger),
		logger: logger,
		opts:   opts.withDefaults(),
	}, nil
}

// Users exposes the resolver for callers that resolve users outside a sync.
func (s *Syncer) Users() *UserResolver {
	return s.users
}

type SyncParams struct {
	WorkspaceID    int64      `json:"workspaceId"`
	ChannelID      int64      `json:"channelId"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	IncludeReplies bool       `json:"includeReplies"`
	SyncThreads    bool       `json:"syncThreads"`
	ThreadDays     int        `json:"threadDays,omitempty"`
	BatchSize      int        `json:"batchSize,omitempty"`
}

type SyncReport struct {
	WorkspaceID   int64         `json:"workspaceId"`
	ChannelID     int64         `json:"channelId"`
	Pages         int           `json:"pages"`
	Processed     int           `json:"processed"`
	New           int           `json:"new"`
	Skipped       int           `json:"skipped"`
	Updated       int           `json:"updated"`
	ThreadsSynced int           `json:"threadsSynced"`
	RepliesSynced int           `json:"repliesSynced"`
	UsersLinked   int64         `json:"usersLinked"`
	Errors        int           `json:"errors"`
	RateLimited   bool          `json:"rateLimited"`
	RetryAfter    time.Duration `json:"retryAfter,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
}

// SyncChannelMessages fetches new and missing messages for one channel,
// persists them idempotently, expands recent threads, repairs dangling user
// references, and advances the channel's sync cursors.
//
// Only structural failures (unknown workspace/channel, missing credential)
// return an error. Transient provider failures are counted in the report;
// progress committed before a failure is preserved.
func (s *Syncer) SyncChannelMessages(ctx context.Context, params SyncParams) (*SyncReport, error) {
	started := time.Now().UTC()
	report := &SyncReport{
		WorkspaceID: params.WorkspaceID,
		ChannelID:   params.ChannelID,
		StartedAt:   started,
	}

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

	if err := s.store.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceSyncing, nil); err != nil {
		s.logf("workspace %d: status update failed: %v", ws.ID, err)
	}
	defer func() {
		now := time.Now().UTC()
		if err := s.store.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceActive, &now); err != nil {
			s.logf("workspace %d: status restore failed: %v", ws.ID, err)
		}
	}()

	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = s.opts.DefaultBatchSize
	}

	var oldestSeen, latestSeen string
	cursor := ""
pages:
	for {
		page, err := s.client.ChannelHistory(ctx, token, slackapi.HistoryRequest{
			ChannelID: ch.ProviderID,
			Cursor:    cursor,
			Oldest:    tsFromTime(params.StartDate),
			Latest:    tsFromTime(params.EndDate),
			Limit:     batchSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			// A page fetch cannot be skipped without its cursor; either way
			// the pages committed so far stay committed.
			s.recordProviderError(report, err, "history page for channel "+ch.ProviderID)
			break pages
		}
		report.Pages++

		for _, raw := range page.Messages {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if raw.TS == "" {
				continue
			}
			report.Processed++
			if oldestSeen == "" || tsLess(raw.TS, oldestSeen) {
				oldestSeen = raw.TS
			}
			if latestSeen == "" || tsLess(latestSeen, raw.TS) {
				latestSeen = raw.TS
			}
			if _, err := s.store.GetMessageByTS(ctx, ch.ID, raw.TS); err == nil {
				report.Skipped++
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				report.Errors++
				continue
			}
			msg := s.normalizeMessage(ctx, token, ws, ch, raw)
			inserted, err := s.store.InsertMessage(ctx, msg)
			if err != nil {
				s.logf("channel %d ts %s: insert failed: %v", ch.ID, raw.TS, err)
				report.Errors++
				if report.Errors >= s.opts.ErrorCeiling {
					break pages
				}
				continue
			}
			if !inserted {
				// Lost a race with a concurrent sync of the same channel:
				// already synced, not an error.
				report.Skipped++
				continue
			}
			report.New++
			s.materializeReactions(ctx, ws, msg.ID, raw.Reactions)
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if (params.SyncThreads || params.IncludeReplies) && !report.RateLimited && report.Errors < s.opts.ErrorCeiling {
		threadDays := params.ThreadDays
		if threadDays <= 0 {
			threadDays = s.opts.DefaultThreadDays
		}
		since := started.AddDate(0, 0, -threadDays)
		s.expandRecentThreads(ctx, report, token, ws, ch, since, false)
	}

	linked, err := s.store.RepairMessageUserReferences(ctx, ws.ID, &ch.ID)
	if err != nil {
		s.logf("channel %d: user reference repair failed: %v", ch.ID, err)
		report.Errors++
	} else {
		report.UsersLinked = linked
	}

	if err := s.store.UpdateChannelCursors(ctx, ch.ID, oldestSeen, latestSeen, time.Now().UTC()); err != nil {
		s.logf("channel %d: cursor update failed: %v", ch.ID, err)
		report.Errors++
	}

	report.Duration = time.Since(started)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// expandRecentThreads re-scans persisted thread parents and expands any whose
// stored replies lag the declared count. Per-thread failures are counted
// individually; one failing thread never aborts the channel sync.
func (s *Syncer) expandRecentThreads(ctx context.Context, report *SyncReport, token string, ws *store.Workspace, ch *store.Channel, since time.Time, force bool) {
	parents, err := s.store.ListThreadParents(ctx, ch.ID, since)
	if err != nil {
		s.logf("channel %d: listing thread parents failed: %v", ch.ID, err)
		report.Errors++
		return
	}
	for i := range parents {
		parent := &parents[i]
		if ctx.Err() != nil {
			return
		}
		if !force {
			persisted, err := s.store.CountThreadReplies(ctx, ch.ID, parent.SlackTS)
			if err == nil && parent.ReplyCount > 0 && persisted >= parent.ReplyCount {
				// History pages run newest-first, so a reply can land before
				// its parent and be stored with a null parent_id. A complete
				// reply count alone must not skip such a thread: expansion is
				// what links the dangling rows.
				unlinked, err := s.store.CountUnlinkedThreadReplies(ctx, ch.ID, parent.SlackTS)
				if err == nil && unlinked == 0 {
					continue
				}
			}
		}
		added, updated, err := s.expandThread(ctx, token, ws, ch, parent)
		if err != nil {
			if s.recordProviderError(report, err, "thread "+parent.SlackTS) {
				return
			}
			if report.Errors >= s.opts.ErrorCeiling {
				return
			}
			continue
		}
		report.ThreadsSynced++
		report.RepliesSynced += added
		report.Updated += updated
	}
}

// recordProviderError classifies a provider failure into the report and
// returns true when the sync should stop fetching (rate limited).
func (s *Syncer) recordProviderError(report *SyncReport, err error, unit string) bool {
	var rle *slackapi.RateLimitError
	if errors.As(err, &rle) {
		s.logf("rate limited on %s; deferring rest of sync", unit)
		report.RateLimited = true
		if rle.RetryAfter > report.RetryAfter {
			report.RetryAfter = rle.RetryAfter
		}
		return true
	}
	s.logf("provider error on %s: %v", unit, err)
	report.Errors++
	return false
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func tsFromTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10) + ".000000"
}

func tsLess(a, b string) bool {
	av, aerr := strconv.ParseFloat(a, 64)
	bv, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil && av != bv {
		return av < bv
	}
	return a < b
}
