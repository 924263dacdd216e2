package store

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var leadingMentionPattern = regexp.MustCompile(`^<@([A-Z0-9]+)>`)

// MemoryStore is a mutex-guarded in-process Store. It backs the memory://
// DSN and the test suites; the SQL backends must match its behavior.
type MemoryStore struct {
	mu         sync.Mutex
	workspaces map[int64]*Workspace
	channels   map[int64]*Channel
	users      map[int64]*User
	messages   map[int64]*Message
	reactions  map[int64]*Reaction
	msgByTS    map[int64]map[string]int64
	nextID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: map[int64]*Workspace{},
		channels:   map[int64]*Channel{},
		users:      map[int64]*User{},
		messages:   map[int64]*Message{},
		reactions:  map[int64]*Reaction{},
		msgByTS:    map[int64]map[string]int64{},
	}
}

func (s *MemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) UpsertWorkspace(_ context.Context, ws *Workspace) error {
	if ws == nil || strings.TrimSpace(ws.ProviderID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workspaces {
		if existing.ProviderID == ws.ProviderID {
			existing.Name = ws.Name
			existing.Domain = ws.Domain
			existing.Connected = ws.Connected
			if ws.Status != "" {
				existing.Status = ws.Status
			}
			ws.ID = existing.ID
			ws.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	clone := *ws
	clone.ID = s.allocID()
	if clone.Status == "" {
		clone.Status = WorkspaceActive
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.workspaces[clone.ID] = &clone
	ws.ID = clone.ID
	ws.CreatedAt = clone.CreatedAt
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id int64) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ws
	return &clone, nil
}

func (s *MemoryStore) GetWorkspaceByProviderID(_ context.Context, providerID string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.workspaces {
		if ws.ProviderID == providerID {
			clone := *ws
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetWorkspaceStatus(_ context.Context, id int64, status WorkspaceStatus, lastSyncAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	ws.Status = status
	ws.Connected = status != WorkspaceDisconnected
	if lastSyncAt != nil {
		t := *lastSyncAt
		ws.LastSyncAt = &t
	}
	return nil
}

func (s *MemoryStore) UpsertChannel(_ context.Context, ch *Channel) error {
	if ch == nil || ch.WorkspaceID == 0 || strings.TrimSpace(ch.ProviderID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.channels {
		if existing.WorkspaceID == ch.WorkspaceID && existing.ProviderID == ch.ProviderID {
			existing.Name = ch.Name
			existing.Type = ch.Type
			existing.IsArchived = ch.IsArchived
			existing.IsMember = ch.IsMember
			existing.AnalysisSelected = ch.AnalysisSelected
			ch.ID = existing.ID
			ch.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	clone := *ch
	clone.ID = s.allocID()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.channels[clone.ID] = &clone
	s.msgByTS[clone.ID] = map[string]int64{}
	ch.ID = clone.ID
	ch.CreatedAt = clone.CreatedAt
	return nil
}

func (s *MemoryStore) GetChannel(_ context.Context, id int64) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ch
	return &clone, nil
}

func (s *MemoryStore) GetChannelByProviderID(_ context.Context, workspaceID int64, providerID string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.WorkspaceID == workspaceID && ch.ProviderID == providerID {
			clone := *ch
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListChannels(_ context.Context, workspaceID int64) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0)
	for _, ch := range s.channels {
		if ch.WorkspaceID == workspaceID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MarkChannelsArchivedExcept(_ context.Context, workspaceID int64, activeProviderIDs []string) (int64, error) {
	active := make(map[string]struct{}, len(activeProviderIDs))
	for _, id := range activeProviderIDs {
		active[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, ch := range s.channels {
		if ch.WorkspaceID != workspaceID || ch.IsArchived {
			continue
		}
		if _, ok := active[ch.ProviderID]; !ok {
			ch.IsArchived = true
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) UpdateChannelCursors(_ context.Context, id int64, oldestTS, latestTS string, lastSyncAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return ErrNotFound
	}
	if oldestTS != "" && (ch.OldestSyncedTS == "" || tsLess(oldestTS, ch.OldestSyncedTS)) {
		ch.OldestSyncedTS = oldestTS
	}
	if latestTS != "" && (ch.LatestSyncedTS == "" || tsLess(ch.LatestSyncedTS, latestTS)) {
		ch.LatestSyncedTS = latestTS
	}
	t := lastSyncAt
	ch.LastSyncAt = &t
	return nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *User) error {
	if u == nil || u.WorkspaceID == 0 || strings.TrimSpace(u.ProviderID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.WorkspaceID == u.WorkspaceID && existing.ProviderID == u.ProviderID {
			existing.Name = u.Name
			existing.RealName = u.RealName
			existing.DisplayName = u.DisplayName
			existing.Email = u.Email
			existing.Timezone = u.Timezone
			existing.ImageURL = u.ImageURL
			existing.IsBot = u.IsBot
			existing.IsAdmin = u.IsAdmin
			existing.IsDeleted = u.IsDeleted
			existing.Profile = u.Profile
			u.ID = existing.ID
			u.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	clone := *u
	clone.ID = s.allocID()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.users[clone.ID] = &clone
	u.ID = clone.ID
	u.CreatedAt = clone.CreatedAt
	return nil
}

func (s *MemoryStore) GetUserByProviderID(_ context.Context, workspaceID int64, providerID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.WorkspaceID == workspaceID && u.ProviderID == providerID {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *Message) (bool, error) {
	if m == nil || m.ChannelID == 0 || strings.TrimSpace(m.SlackTS) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.msgByTS[m.ChannelID]
	if !ok {
		if _, chOK := s.channels[m.ChannelID]; !chOK {
			return false, ErrNotFound
		}
		index = map[string]int64{}
		s.msgByTS[m.ChannelID] = index
	}
	if existingID, dup := index[m.SlackTS]; dup {
		m.ID = existingID
		return false, nil
	}
	clone := *m
	clone.ID = s.allocID()
	s.messages[clone.ID] = &clone
	index[clone.SlackTS] = clone.ID
	m.ID = clone.ID
	return true, nil
}

func (s *MemoryStore) GetMessageByTS(_ context.Context, channelID int64, slackTS string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.msgByTS[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	id, ok := index[slackTS]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.messages[id]
	return &clone, nil
}

func (s *MemoryStore) UpdateMessageThreadFields(_ context.Context, id int64, update ThreadFieldsUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.ThreadTS = update.ThreadTS
	m.IsThreadReply = update.IsThreadReply
	if update.ParentID != nil {
		parentID := *update.ParentID
		m.ParentID = &parentID
	}
	return nil
}

func (s *MemoryStore) SetMessageReplyCount(_ context.Context, id int64, replyCount int) error {
	if replyCount < 0 {
		replyCount = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.ReplyCount = replyCount
	m.IsThreadParent = replyCount > 0 && (m.ThreadTS == "" || m.ThreadTS == m.SlackTS)
	return nil
}

func (s *MemoryStore) ListThreadParents(_ context.Context, channelID int64, since time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if m.ChannelID != channelID || !m.IsThreadParent {
			continue
		}
		if !since.IsZero() && m.MessageAt.Before(since) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return tsLess(out[i].SlackTS, out[j].SlackTS) })
	return out, nil
}

func (s *MemoryStore) CountThreadReplies(_ context.Context, channelID int64, threadTS string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages {
		if m.ChannelID == channelID && m.IsThreadReply && m.ThreadTS == threadTS {
			count++
		}
	}
	return count, nil
}

// CountUnlinkedThreadReplies counts replies of one thread whose parent_id is
// still null. A reply landing in a history page before its parent is stored
// unlinked; thread expansion is what links it.
func (s *MemoryStore) CountUnlinkedThreadReplies(_ context.Context, channelID int64, threadTS string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages {
		if m.ChannelID == channelID && m.ThreadTS == threadTS && m.SlackTS != threadTS && m.ParentID == nil {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, channelID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RepairThreadParentFlags(_ context.Context, workspaceID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, m := range s.messages {
		ch, ok := s.channels[m.ChannelID]
		if !ok || ch.WorkspaceID != workspaceID {
			continue
		}
		shouldFlag := m.ReplyCount > 0 && (m.ThreadTS == "" || m.ThreadTS == m.SlackTS)
		if shouldFlag && !m.IsThreadParent {
			m.IsThreadParent = true
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) RepairMessageUserReferences(_ context.Context, workspaceID int64, channelID *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	usersByProvider := map[string]int64{}
	for _, u := range s.users {
		if u.WorkspaceID == workspaceID {
			usersByProvider[u.ProviderID] = u.ID
		}
	}
	var changed int64
	for _, m := range s.messages {
		if m.UserID != nil {
			continue
		}
		ch, ok := s.channels[m.ChannelID]
		if !ok || ch.WorkspaceID != workspaceID {
			continue
		}
		if channelID != nil && m.ChannelID != *channelID {
			continue
		}
		match := leadingMentionPattern.FindStringSubmatch(m.Text)
		if match == nil {
			continue
		}
		userID, ok := usersByProvider[match[1]]
		if !ok {
			continue
		}
		id := userID
		m.UserID = &id
		changed++
	}
	return changed, nil
}

func (s *MemoryStore) UpsertReaction(_ context.Context, r *Reaction) error {
	if r == nil || r.MessageID == 0 || r.UserID == 0 || strings.TrimSpace(r.Name) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reactions {
		if existing.MessageID == r.MessageID && existing.UserID == r.UserID && existing.Name == r.Name {
			r.ID = existing.ID
			return nil
		}
	}
	clone := *r
	clone.ID = s.allocID()
	s.reactions[clone.ID] = &clone
	r.ID = clone.ID
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// tsLess orders provider timestamps ("1727212345.000100") numerically by
// their epoch-seconds prefix, falling back to string order for ties.
func tsLess(a, b string) bool {
	av, aok := tsSeconds(a)
	bv, bok := tsSeconds(b)
	if aok && bok && av != bv {
		return av < bv
	}
	return a < b
}

func tsSeconds(ts string) (float64, bool) {
	var v float64
	var frac float64
	div := 1.0
	seenDot := false
	for i := 0; i < len(ts); i++ {
		c := ts[i]
		switch {
		case c >= '0' && c <= '9':
			if seenDot {
				div *= 10
				frac += float64(c-'0') / div
			} else {
				v = v*10 + float64(c-'0')
			}
		case c == '.' && !seenDot:
			seenDot = true
		default:
			return 0, false
		}
	}
	return v + frac, true
}
