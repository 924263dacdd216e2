package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
)

type CatalogReport struct {
	Channels         int           `json:"channels"`
	ChannelsArchived int64         `json:"channelsArchived"`
	Users            int           `json:"users"`
	Errors           int           `json:"errors"`
	RateLimited      bool          `json:"rateLimited"`
	RetryAfter       time.Duration `json:"retryAfter,omitempty"`
}

const catalogPageSize = 200

// SyncCatalog runs the bulk listing pass used during onboarding: upsert the
// channel and user catalogs and mark channels archived when absent from a
// fresh, complete listing. A listing cut short by a provider failure never
// triggers archival, so a partial page cannot archive live channels.
func (s *Syncer) SyncCatalog(ctx context.Context, workspaceID int64) (*CatalogReport, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrWorkspaceNotFound, workspaceID)
		}
		return nil, err
	}
	token, err := s.creds.Credential(ctx, ws.ProviderID)
	if err != nil {
		return nil, err
	}

	report := &CatalogReport{}

	seen := make([]string, 0)
	listingComplete := true
	cursor := ""
	for {
		page, err := s.client.ListChannels(ctx, token, cursor, catalogPageSize)
		if err != nil {
			s.recordCatalogError(report, err, "channel listing")
			listingComplete = false
			break
		}
		for _, raw := range page.Channels {
			ch := store.Channel{
				WorkspaceID: ws.ID,
				ProviderID:  raw.ID,
				Name:        raw.Name,
				Type:        channelType(raw),
				IsArchived:  raw.IsArchived,
				IsMember:    raw.IsMember,
			}
			if err := s.store.UpsertChannel(ctx, &ch); err != nil {
				s.logf("channel upsert failed for %s: %v", raw.ID, err)
				report.Errors++
				continue
			}
			seen = append(seen, raw.ID)
			report.Channels++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if listingComplete && len(seen) > 0 {
		archived, err := s.store.MarkChannelsArchivedExcept(ctx, ws.ID, seen)
		if err != nil {
			s.logf("archival marking failed: %v", err)
			report.Errors++
		} else {
			report.ChannelsArchived = archived
		}
	}

	cursor = ""
	for {
		page, err := s.client.ListUsers(ctx, token, cursor, catalogPageSize)
		if err != nil {
			s.recordCatalogError(report, err, "user listing")
			break
		}
		for i := range page.Users {
			row := MapProviderUser(ws.ID, &page.Users[i])
			if err := s.store.UpsertUser(ctx, row); err != nil {
				s.logf("user upsert failed for %s: %v", page.Users[i].ID, err)
				report.Errors++
				continue
			}
			report.Users++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	now := time.Now().UTC()
	if err := s.store.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceActive, &now); err != nil {
		s.logf("workspace %d: status update failed: %v", ws.ID, err)
		report.Errors++
	}
	return report, nil
}

func (s *Syncer) recordCatalogError(report *CatalogReport, err error, unit string) {
	var rle *slackapi.RateLimitError
	if errors.As(err, &rle) {
		s.logf("rate limited on %s", unit)
		report.RateLimited = true
		if rle.RetryAfter > report.RetryAfter {
			report.RetryAfter = rle.RetryAfter
		}
		return
	}
	s.logf("provider error on %s: %v", unit, err)
	report.Errors++
}

func channelType(raw slackapi.Channel) store.ChannelType {
	switch {
	case raw.IsIM:
		return store.ChannelIM
	case raw.IsMPIM:
		return store.ChannelMPIM
	case raw.IsPrivate || raw.IsGroup:
		return store.ChannelPrivate
	default:
		return store.ChannelPublic
	}
}
