package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type WorkspaceStatus string

const (
	WorkspaceActive       WorkspaceStatus = "active"
	WorkspaceDisconnected WorkspaceStatus = "disconnected"
	WorkspaceError        WorkspaceStatus = "error"
	WorkspaceSyncing      WorkspaceStatus = "syncing"
)

type ChannelType string

const (
	ChannelPublic  ChannelType = "public"
	ChannelPrivate ChannelType = "private"
	ChannelMPIM    ChannelType = "mpim"
	ChannelIM      ChannelType = "im"
)

// Workspace is a tenant-scoped provider account. Workspaces are soft-disabled
// by status, never hard-deleted.
type Workspace struct {
	ID         int64           `json:"id"`
	ProviderID string          `json:"providerId"`
	Name       string          `json:"name"`
	Domain     string          `json:"domain,omitempty"`
	Connected  bool            `json:"connected"`
	Status     WorkspaceStatus `json:"status"`
	LastSyncAt *time.Time      `json:"lastSyncAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Channel carries the per-channel sync cursors. (workspace_id, provider_id)
// is unique.
type Channel struct {
	ID               int64       `json:"id"`
	WorkspaceID      int64       `json:"workspaceId"`
	ProviderID       string      `json:"providerId"`
	Name             string      `json:"name"`
	Type             ChannelType `json:"type"`
	IsArchived       bool        `json:"isArchived"`
	IsMember         bool        `json:"isMember"`
	AnalysisSelected bool        `json:"analysisSelected"`
	OldestSyncedTS   string      `json:"oldestSyncedTs,omitempty"`
	LatestSyncedTS   string      `json:"latestSyncedTs,omitempty"`
	LastSyncAt       *time.Time  `json:"lastSyncAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// User rows are created during bulk user sync or lazily when a message
// references an unknown provider user id. (workspace_id, provider_id) is
// unique.
type User struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspaceId"`
	ProviderID  string    `json:"providerId"`
	Name        string    `json:"name"`
	RealName    string    `json:"realName,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Email       string    `json:"email,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	IsBot       bool      `json:"isBot"`
	IsAdmin     bool      `json:"isAdmin"`
	IsDeleted   bool      `json:"isDeleted"`
	Profile     string    `json:"profile,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is the center of all reconciliation logic. (channel_id, slack_ts)
// is the dedup key. A message is a thread parent iff reply_count > 0 and
// thread_ts is empty or equals its own slack_ts; a thread reply iff
// thread_ts is set and differs from slack_ts. ParentID stays nil until the
// parent row exists in the same channel.
type Message struct {
	ID              int64     `json:"id"`
	ChannelID       int64     `json:"channelId"`
	UserID          *int64    `json:"userId,omitempty"`
	ParentID        *int64    `json:"parentId,omitempty"`
	ProviderID      string    `json:"providerId"`
	SlackTS         string    `json:"slackTs"`
	Text            string    `json:"text"`
	Subtype         string    `json:"subtype,omitempty"`
	IsEdited        bool      `json:"isEdited"`
	Attachments     string    `json:"attachments,omitempty"`
	Files           string    `json:"files,omitempty"`
	ThreadTS        string    `json:"threadTs,omitempty"`
	IsThreadParent  bool      `json:"isThreadParent"`
	IsThreadReply   bool      `json:"isThreadReply"`
	ReplyCount      int       `json:"replyCount"`
	ReplyUsersCount int       `json:"replyUsersCount"`
	ReactionCount   int       `json:"reactionCount"`
	MessageAt       time.Time `json:"messageAt"`
}

// Reaction materializes one (message, user, emoji) row. The aggregate lives
// on Message.ReactionCount; these rows are best-effort.
type Reaction struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	Name      string `json:"name"`
}

// ThreadFieldsUpdate is the only in-place mutation sync performs on an
// existing message row: correcting reply classification and parent linkage.
type ThreadFieldsUpdate struct {
	ThreadTS      string
	IsThreadReply bool
	ParentID      *int64
}

// Store is the relational persistence seam shared by all sync tasks. Every
// implementation must treat a duplicate (channel_id, slack_ts) insert as a
// no-op so concurrent syncs of the same channel cannot abort a batch.
type Store interface {
	UpsertWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id int64) (*Workspace, error)
	GetWorkspaceByProviderID(ctx context.Context, providerID string) (*Workspace, error)
	SetWorkspaceStatus(ctx context.Context, id int64, status WorkspaceStatus, lastSyncAt *time.Time) error

	UpsertChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id int64) (*Channel, error)
	GetChannelByProviderID(ctx context.Context, workspaceID int64, providerID string) (*Channel, error)
	ListChannels(ctx context.Context, workspaceID int64) ([]Channel, error)
	MarkChannelsArchivedExcept(ctx context.Context, workspaceID int64, activeProviderIDs []string) (int64, error)
	UpdateChannelCursors(ctx context.Context, id int64, oldestTS, latestTS string, lastSyncAt time.Time) error

	UpsertUser(ctx context.Context, u *User) error
	GetUserByProviderID(ctx context.Context, workspaceID int64, providerID string) (*User, error)

	InsertMessage(ctx context.Context, m *Message) (bool, error)
	GetMessageByTS(ctx context.Context, channelID int64, slackTS string) (*Message, error)
	UpdateMessageThreadFields(ctx context.Context, id int64, update ThreadFieldsUpdate) error
	SetMessageReplyCount(ctx context.Context, id int64, replyCount int) error
	ListThreadParents(ctx context.Context, channelID int64, since time.Time) ([]Message, error)
	CountThreadReplies(ctx context.Context, channelID int64, threadTS string) (int, error)
	CountUnlinkedThreadReplies(ctx context.Context, channelID int64, threadTS string) (int, error)
	CountMessages(ctx context.Context, channelID int64) (int, error)

	RepairThreadParentFlags(ctx context.Context, workspaceID int64) (int64, error)
	RepairMessageUserReferences(ctx context.Context, workspaceID int64, channelID *int64) (int64, error)

	UpsertReaction(ctx context.Context, r *Reaction) error

	Close() error
}
