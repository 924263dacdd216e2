package syncer

import (
	"context"
	"errors"

	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
)

// fetchThreadReplies pages the provider's thread-replies endpoint until it
// stops returning a cursor or maxPages is reached. maxPages is a hard safety
// bound against unbounded loops on degenerate data.
func (s *Syncer) fetchThreadReplies(ctx context.Context, token, channelProviderID, threadTS string) ([]slackapi.Message, error) {
	var all []slackapi.Message
	cursor := ""
	for page := 0; page < s.opts.MaxThreadPages; page++ {
		resp, err := s.client.ThreadReplies(ctx, token, slackapi.RepliesRequest{
			ChannelID: channelProviderID,
			ThreadTS:  threadTS,
			Cursor:    cursor,
			Limit:     s.opts.ThreadPageLimit,
			Inclusive: true,
		})
		if err != nil {
			return all, err
		}
		all = append(all, resp.Messages...)
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return all, nil
}

// expandThread retrieves every reply of one thread and persists the ones not
// already stored. An existing-but-unflagged reply has its threading fields
// corrected in place rather than being duplicated; those corrections come
// back in the updated count. The parent's reply count is written once per
// thread, not per reply.
func (s *Syncer) expandThread(ctx context.Context, token string, ws *store.Workspace, ch *store.Channel, parent *store.Message) (added, updated int, err error) {
	raws, err := s.fetchThreadReplies(ctx, token, ch.ProviderID, parent.SlackTS)
	if err != nil {
		return 0, 0, err
	}

	for _, raw := range raws {
		if raw.TS == "" || raw.TS == parent.SlackTS {
			continue
		}
		existing, err := s.store.GetMessageByTS(ctx, ch.ID, raw.TS)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return added, updated, err
		}
		if existing != nil {
			if !existing.IsThreadReply || existing.ParentID == nil || existing.ThreadTS != parent.SlackTS {
				parentID := parent.ID
				updateErr := s.store.UpdateMessageThreadFields(ctx, existing.ID, store.ThreadFieldsUpdate{
					ThreadTS:      parent.SlackTS,
					IsThreadReply: true,
					ParentID:      &parentID,
				})
				if updateErr != nil {
					s.logf("thread %s: reply flag repair failed for ts %s: %v", parent.SlackTS, raw.TS, updateErr)
				} else {
					updated++
				}
			}
			continue
		}
		raw.ThreadTS = parent.SlackTS
		msg := s.normalizeMessage(ctx, token, ws, ch, raw)
		parentID := parent.ID
		msg.ParentID = &parentID
		msg.IsThreadReply = true
		msg.IsThreadParent = false
		inserted, err := s.store.InsertMessage(ctx, msg)
		if err != nil {
			s.logf("thread %s: reply insert failed for ts %s: %v", parent.SlackTS, raw.TS, err)
			continue
		}
		if inserted {
			added++
			s.materializeReactions(ctx, ws, msg.ID, raw.Reactions)
		}
	}

	// The provider includes the parent in its reply listing, so the true
	// reply count is len(raws) - 1. Clamped at zero in case a provider ever
	// omits the parent.
	if err := s.store.SetMessageReplyCount(ctx, parent.ID, len(raws)-1); err != nil {
		s.logf("thread %s: reply count update failed: %v", parent.SlackTS, err)
	}
	return added, updated, nil
}
