package syncer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
)

// Storage widths for user profile fields; anything longer is truncated on
// ingest rather than rejected.
const (
	maxNameLen     = 255
	maxEmailLen    = 255
	maxTimezoneLen = 100
	maxImageLen    = 512
)

// UserResolver maps provider user ids onto local User rows, creating them on
// first sight.
type UserResolver struct {
	store  store.Store
	client SourceClient
	logger Logger
}

func NewUserResolver(st store.Store, client SourceClient, logger Logger) *UserResolver {
	return &UserResolver{store: st, client: client, logger: logger}
}

// ResolveOrCreate returns the local User for a provider user id, lazily
// fetching and persisting it from the provider on a miss. A provider failure
// yields (nil, nil): the caller proceeds with an unresolved reference and a
// later repair pass links it.
func (r *UserResolver) ResolveOrCreate(ctx context.Context, workspaceID int64, providerUserID, token string) (*store.User, error) {
	user, err := r.store.GetUserByProviderID(ctx, workspaceID, providerUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	info, err := r.client.UserInfo(ctx, token, providerUserID)
	if err != nil {
		r.logf("user info fetch failed for %s: %v", providerUserID, err)
		return nil, nil
	}
	row := MapProviderUser(workspaceID, info)
	if err := r.store.UpsertUser(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// FixMessageUserReferences bulk-links messages whose author was unresolved at
// sync time but whose text opens with a user mention. Set-based and
// idempotent: a second run is a no-op.
func (r *UserResolver) FixMessageUserReferences(ctx context.Context, workspaceID int64, channelID *int64) (int64, error) {
	return r.store.RepairMessageUserReferences(ctx, workspaceID, channelID)
}

// MapProviderUser converts a provider user record into a User row, truncating
// fields that exceed their storage width.
func MapProviderUser(workspaceID int64, info *slackapi.User) *store.User {
	name := info.Name
	if name == "" {
		name = info.Profile.DisplayName
	}
	profile, _ := json.Marshal(info.Profile)
	return &store.User{
		WorkspaceID: workspaceID,
		ProviderID:  info.ID,
		Name:        truncate(name, maxNameLen),
		RealName:    truncate(firstNonEmpty(info.RealName, info.Profile.RealName), maxNameLen),
		DisplayName: truncate(info.Profile.DisplayName, maxNameLen),
		Email:       truncate(info.Profile.Email, maxEmailLen),
		Timezone:    truncate(info.TZ, maxTimezoneLen),
		ImageURL:    truncate(info.Profile.Image, maxImageLen),
		IsBot:       info.IsBot,
		IsAdmin:     info.IsAdmin,
		IsDeleted:   info.Deleted,
		Profile:     string(profile),
	}
}

func (r *UserResolver) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
