package syncer

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
)

var leadingMention = regexp.MustCompile(`^<@([A-Z0-9]+)>`)

// normalizeMessage maps a raw provider message onto a Message row. The ts
// string is the authoritative identity key; the provider's client message id
// falls back to it when absent.
func (s *Syncer) normalizeMessage(ctx context.Context, token string, ws *store.Workspace, ch *store.Channel, raw slackapi.Message) *store.Message {
	providerID := raw.ClientMsgID
	if providerID == "" {
		providerID = raw.TS
	}

	threadTS := raw.ThreadTS
	isReply := threadTS != "" && threadTS != raw.TS
	isParent := raw.ReplyCount > 0 && (threadTS == "" || threadTS == raw.TS)

	msg := &store.Message{
		ChannelID:       ch.ID,
		ProviderID:      providerID,
		SlackTS:         raw.TS,
		Text:            raw.Text,
		Subtype:         raw.Subtype,
		IsEdited:        raw.Edited != nil,
		Attachments:     string(raw.Attachments),
		Files:           string(raw.Files),
		ThreadTS:        threadTS,
		IsThreadParent:  isParent,
		IsThreadReply:   isReply,
		ReplyCount:      raw.ReplyCount,
		ReplyUsersCount: raw.ReplyUsersCount,
		ReactionCount:   sumReactions(raw.Reactions),
		MessageAt:       parseSlackTS(raw.TS),
	}

	if isReply {
		// Link the parent if it is already persisted; a repair pass backfills
		// the link otherwise.
		if parent, err := s.store.GetMessageByTS(ctx, ch.ID, threadTS); err == nil {
			parentID := parent.ID
			msg.ParentID = &parentID
		}
	}

	authorID := raw.User
	if authorID == "" {
		// Best-effort fallback: some system-relayed messages carry the author
		// only as a leading mention in the text. Treated as a hint, never
		// overwritten once a structured user id shows up.
		if match := leadingMention.FindStringSubmatch(raw.Text); match != nil {
			authorID = match[1]
		}
	}
	if authorID != "" {
		user, err := s.users.ResolveOrCreate(ctx, ws.ID, authorID, token)
		if err == nil && user != nil {
			userID := user.ID
			msg.UserID = &userID
		}
	}
	return msg
}

// materializeReactions records per-user reaction rows for the reacting users
// the provider listed. The list may be truncated; Message.ReactionCount is
// the authoritative aggregate. Users are only matched against existing rows,
// never fetched, to bound API traffic.
func (s *Syncer) materializeReactions(ctx context.Context, ws *store.Workspace, messageID int64, reactions []slackapi.Reaction) {
	for _, reaction := range reactions {
		for _, providerUserID := range reaction.Users {
			user, err := s.store.GetUserByProviderID(ctx, ws.ID, providerUserID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					s.logf("reaction user lookup failed: %v", err)
				}
				continue
			}
			row := store.Reaction{MessageID: messageID, UserID: user.ID, Name: reaction.Name}
			if err := s.store.UpsertReaction(ctx, &row); err != nil {
				s.logf("reaction upsert failed: %v", err)
			}
		}
	}
}

func sumReactions(reactions []slackapi.Reaction) int {
	total := 0
	for _, r := range reactions {
		total += r.Count
	}
	return total
}

// parseSlackTS interprets a provider timestamp ("1727212345.000100") as
// epoch seconds with a fractional part.
func parseSlackTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	secs := int64(f)
	nanos := int64((f - float64(secs)) * 1e9)
	return time.Unix(secs, nanos).UTC()
}
