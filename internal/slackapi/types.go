package slackapi

import "encoding/json"

// Message is a raw provider message as returned by conversations.history
// and conversations.replies. The ts string is the identity key within a
// channel; client_msg_id is present only for user-originated messages.
type Message struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	TS              string          `json:"ts"`
	ClientMsgID     string          `json:"client_msg_id,omitempty"`
	User            string          `json:"user,omitempty"`
	BotID           string          `json:"bot_id,omitempty"`
	Text            string          `json:"text"`
	ThreadTS        string          `json:"thread_ts,omitempty"`
	ReplyCount      int             `json:"reply_count,omitempty"`
	ReplyUsersCount int             `json:"reply_users_count,omitempty"`
	Edited          *EditInfo       `json:"edited,omitempty"`
	Reactions       []Reaction      `json:"reactions,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	Files           json.RawMessage `json:"files,omitempty"`
}

type EditInfo struct {
	User string `json:"user"`
	TS   string `json:"ts"`
}

// Reaction carries the aggregate count plus a possibly truncated list of
// reacting user ids.
type Reaction struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Users []string `json:"users,omitempty"`
}

type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsChannel  bool   `json:"is_channel"`
	IsGroup    bool   `json:"is_group"`
	IsIM       bool   `json:"is_im"`
	IsMPIM     bool   `json:"is_mpim"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
}

type User struct {
	ID       string      `json:"id"`
	TeamID   string      `json:"team_id"`
	Name     string      `json:"name"`
	RealName string      `json:"real_name"`
	Deleted  bool        `json:"deleted"`
	IsBot    bool        `json:"is_bot"`
	IsAdmin  bool        `json:"is_admin"`
	TZ       string      `json:"tz"`
	Profile  UserProfile `json:"profile"`
}

type UserProfile struct {
	DisplayName string `json:"display_name"`
	RealName    string `json:"real_name"`
	Email       string `json:"email"`
	Image       string `json:"image_192"`
	Title       string `json:"title"`
}

// HistoryRequest bounds one page of conversations.history.
type HistoryRequest struct {
	ChannelID string
	Cursor    string
	Oldest    string
	Latest    string
	Limit     int
}

// RepliesRequest bounds one page of conversations.replies for a thread.
// Inclusive controls whether the parent message itself is returned; the
// provider defaults to including it.
type RepliesRequest struct {
	ChannelID string
	ThreadTS  string
	Cursor    string
	Limit     int
	Inclusive bool
}

type HistoryPage struct {
	Messages   []Message
	HasMore    bool
	NextCursor string
}

type ChannelPage struct {
	Channels   []Channel
	NextCursor string
}

type UserPage struct {
	Users      []User
	NextCursor string
}
