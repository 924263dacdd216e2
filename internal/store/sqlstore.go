package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// dialect captures the few places Postgres and SQLite disagree. Everything
// else (placeholders, ON CONFLICT, RETURNING, UPDATE ... FROM) is shared.
type dialect struct {
	name               string
	driver             string
	serialPK           string
	timestampType      string
	repairUserRefsStmt string
}

var postgresDialect = dialect{
	name:          "postgres",
	driver:        "postgres",
	serialPK:      "BIGSERIAL PRIMARY KEY",
	timestampType: "TIMESTAMPTZ",
	repairUserRefsStmt: `
		UPDATE messages AS m SET user_id = u.id
		FROM channels c, users u
		WHERE m.channel_id = c.id
		  AND c.workspace_id = $1
		  AND m.user_id IS NULL
		  AND m.text ~ '^<@[A-Z0-9]+>'
		  AND u.workspace_id = c.workspace_id
		  AND u.provider_id = substring(m.text from '^<@([A-Z0-9]+)>')
		  AND ($2::bigint IS NULL OR m.channel_id = $2::bigint)`,
}

var sqliteDialect = dialect{
	name:          "sqlite",
	driver:        "sqlite",
	serialPK:      "INTEGER PRIMARY KEY AUTOINCREMENT",
	timestampType: "TIMESTAMP",
	repairUserRefsStmt: `
		UPDATE messages AS m SET user_id = u.id
		FROM channels c, users u
		WHERE m.channel_id = c.id
		  AND c.workspace_id = $1
		  AND m.user_id IS NULL
		  AND m.text LIKE '<@%'
		  AND instr(m.text, '>') > 3
		  AND u.workspace_id = c.workspace_id
		  AND u.provider_id = substr(m.text, 3, instr(m.text, '>') - 3)
		  AND ($2 IS NULL OR m.channel_id = $2)`,
}

// SQLStore implements Store on database/sql. The schema is created lazily on
// first use so a fresh database needs no migration step.
type SQLStore struct {
	dsn     string
	dialect dialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}

func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, sqliteDialect)
}

func newSQLStore(dsn string, d dialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{dsn: dsn, dialect: d, openDB: sql.Open}, nil
}

func (s *SQLStore) schemaStatements() []string {
	pk := s.dialect.serialPK
	ts := s.dialect.timestampType
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workspaces (
			id %s,
			provider_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			connected BOOLEAN NOT NULL DEFAULT TRUE,
			status TEXT NOT NULL DEFAULT 'active',
			last_sync_at %s,
			created_at %s NOT NULL
		)`, pk, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS channels (
			id %s,
			workspace_id BIGINT NOT NULL REFERENCES workspaces(id),
			provider_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			channel_type TEXT NOT NULL DEFAULT 'public',
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			is_member BOOLEAN NOT NULL DEFAULT FALSE,
			analysis_selected BOOLEAN NOT NULL DEFAULT FALSE,
			oldest_synced_ts TEXT NOT NULL DEFAULT '',
			latest_synced_ts TEXT NOT NULL DEFAULT '',
			last_sync_at %s,
			created_at %s NOT NULL,
			UNIQUE (workspace_id, provider_id)
		)`, pk, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			workspace_id BIGINT NOT NULL REFERENCES workspaces(id),
			provider_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			real_name TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			profile TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			UNIQUE (workspace_id, provider_id)
		)`, pk, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %s,
			channel_id BIGINT NOT NULL REFERENCES channels(id),
			user_id BIGINT REFERENCES users(id),
			parent_id BIGINT REFERENCES messages(id),
			provider_id TEXT NOT NULL DEFAULT '',
			slack_ts TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			subtype TEXT NOT NULL DEFAULT '',
			is_edited BOOLEAN NOT NULL DEFAULT FALSE,
			attachments TEXT NOT NULL DEFAULT '',
			files TEXT NOT NULL DEFAULT '',
			thread_ts TEXT NOT NULL DEFAULT '',
			is_thread_parent BOOLEAN NOT NULL DEFAULT FALSE,
			is_thread_reply BOOLEAN NOT NULL DEFAULT FALSE,
			reply_count INTEGER NOT NULL DEFAULT 0,
			reply_users_count INTEGER NOT NULL DEFAULT 0,
			reaction_count INTEGER NOT NULL DEFAULT 0,
			message_at %s NOT NULL,
			UNIQUE (channel_id, slack_ts)
		)`, pk, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reactions (
			id %s,
			message_id BIGINT NOT NULL REFERENCES messages(id),
			user_id BIGINT NOT NULL REFERENCES users(id),
			emoji_name TEXT NOT NULL,
			UNIQUE (message_id, user_id, emoji_name)
		)`, pk),
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages (channel_id, thread_ts)`,
		`CREATE INDEX IF NOT EXISTS messages_missing_user_idx ON messages (channel_id) WHERE user_id IS NULL`,
	}
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range s.schemaStatements() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("schema init: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) UpsertWorkspace(ctx context.Context, ws *Workspace) error {
	if ws == nil || strings.TrimSpace(ws.ProviderID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if ws.Status == "" {
		ws.Status = WorkspaceActive
	}
	createdAt := ws.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (provider_id, name, domain, connected, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_id) DO UPDATE SET
			name = EXCLUDED.name,
			domain = EXCLUDED.domain,
			connected = EXCLUDED.connected,
			status = EXCLUDED.status
		RETURNING id, created_at`,
		ws.ProviderID, ws.Name, ws.Domain, ws.Connected, string(ws.Status), createdAt)
	return row.Scan(&ws.ID, &ws.CreatedAt)
}

func (s *SQLStore) GetWorkspace(ctx context.Context, id int64) (*Workspace, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, domain, connected, status, last_sync_at, created_at
		FROM workspaces WHERE id = $1`, id))
}

func (s *SQLStore) GetWorkspaceByProviderID(ctx context.Context, providerID string) (*Workspace, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, domain, connected, status, last_sync_at, created_at
		FROM workspaces WHERE provider_id = $1`, providerID))
}

func (s *SQLStore) scanWorkspace(row *sql.Row) (*Workspace, error) {
	var ws Workspace
	var status string
	var lastSync sql.NullTime
	err := row.Scan(&ws.ID, &ws.ProviderID, &ws.Name, &ws.Domain, &ws.Connected, &status, &lastSync, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ws.Status = WorkspaceStatus(status)
	if lastSync.Valid {
		t := lastSync.Time
		ws.LastSyncAt = &t
	}
	return &ws, nil
}

func (s *SQLStore) SetWorkspaceStatus(ctx context.Context, id int64, status WorkspaceStatus, lastSyncAt *time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	var lastSync sql.NullTime
	if lastSyncAt != nil {
		lastSync = sql.NullTime{Time: *lastSyncAt, Valid: true}
	}
	// Placeholders are numbered in order of first occurrence: Postgres binds
	// $N by number, SQLite numbers $-named parameters as it first sees them,
	// so the two agree only when the orders match.
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET
			status = $1,
			connected = ($1 <> 'disconnected'),
			last_sync_at = COALESCE($2, last_sync_at)
		WHERE id = $3`, string(status), lastSync, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *SQLStore) UpsertChannel(ctx context.Context, ch *Channel) error {
	if ch == nil || ch.WorkspaceID == 0 || strings.TrimSpace(ch.ProviderID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if ch.Type == "" {
		ch.Type = ChannelPublic
	}
	createdAt := ch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO channels (workspace_id, provider_id, name, channel_type, is_archived, is_member, analysis_selected, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace_id, provider_id) DO UPDATE SET
			name = EXCLUDED.name,
			channel_type = EXCLUDED.channel_type,
			is_archived = EXCLUDED.is_archived,
			is_member = EXCLUDED.is_member,
			analysis_selected = EXCLUDED.analysis_selected
		RETURNING id, created_at`,
		ch.WorkspaceID, ch.ProviderID, ch.Name, string(ch.Type), ch.IsArchived, ch.IsMember, ch.AnalysisSelected, createdAt)
	return row.Scan(&ch.ID, &ch.CreatedAt)
}

const channelColumns = `id, workspace_id, provider_id, name, channel_type, is_archived, is_member,
	analysis_selected, oldest_synced_ts, latest_synced_ts, last_sync_at, created_at`

func (s *SQLStore) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	return scanChannel(row.Scan)
}

func (s *SQLStore) GetChannelByProviderID(ctx context.Context, workspaceID int64, providerID string) (*Channel, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE workspace_id = $1 AND provider_id = $2`,
		workspaceID, providerID)
	return scanChannel(row.Scan)
}

func (s *SQLStore) ListChannels(ctx context.Context, workspaceID int64) ([]Channel, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE workspace_id = $1 ORDER BY id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

func scanChannel(scan func(dest ...any) error) (*Channel, error) {
	var ch Channel
	var chType string
	var lastSync sql.NullTime
	err := scan(&ch.ID, &ch.WorkspaceID, &ch.ProviderID, &ch.Name, &chType, &ch.IsArchived, &ch.IsMember,
		&ch.AnalysisSelected, &ch.OldestSyncedTS, &ch.LatestSyncedTS, &lastSync, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.Type = ChannelType(chType)
	if lastSync.Valid {
		t := lastSync.Time
		ch.LastSyncAt = &t
	}
	return &ch, nil
}

func (s *SQLStore) MarkChannelsArchivedExcept(ctx context.Context, workspaceID int64, activeProviderIDs []string) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := `UPDATE channels SET is_archived = TRUE WHERE workspace_id = $1 AND is_archived = FALSE`
	args := []any{workspaceID}
	if len(activeProviderIDs) > 0 {
		placeholders := make([]string, 0, len(activeProviderIDs))
		for i, id := range activeProviderIDs {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
			args = append(args, id)
		}
		query += ` AND provider_id NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) UpdateChannelCursors(ctx context.Context, id int64, oldestTS, latestTS string, lastSyncAt time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET
			oldest_synced_ts = CASE
				WHEN $1 = '' THEN oldest_synced_ts
				WHEN oldest_synced_ts = '' THEN $1
				WHEN CAST($1 AS REAL) < CAST(NULLIF(oldest_synced_ts, '') AS REAL) THEN $1
				ELSE oldest_synced_ts END,
			latest_synced_ts = CASE
				WHEN $2 = '' THEN latest_synced_ts
				WHEN latest_synced_ts = '' THEN $2
				WHEN CAST($2 AS REAL) > CAST(NULLIF(latest_synced_ts, '') AS REAL) THEN $2
				ELSE latest_synced_ts END,
			last_sync_at = $3
		WHERE id = $4`, oldestTS, latestTS, lastSyncAt, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *SQLStore) UpsertUser(ctx context.Context, u *User) error {
	if u == nil || u.WorkspaceID == 0 || strings.TrimSpace(u.ProviderID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (workspace_id, provider_id, name, real_name, display_name, email, timezone,
			image_url, is_bot, is_admin, is_deleted, profile, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (workspace_id, provider_id) DO UPDATE SET
			name = EXCLUDED.name,
			real_name = EXCLUDED.real_name,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			timezone = EXCLUDED.timezone,
			image_url = EXCLUDED.image_url,
			is_bot = EXCLUDED.is_bot,
			is_admin = EXCLUDED.is_admin,
			is_deleted = EXCLUDED.is_deleted,
			profile = EXCLUDED.profile
		RETURNING id, created_at`,
		u.WorkspaceID, u.ProviderID, u.Name, u.RealName, u.DisplayName, u.Email, u.Timezone,
		u.ImageURL, u.IsBot, u.IsAdmin, u.IsDeleted, u.Profile, createdAt)
	return row.Scan(&u.ID, &u.CreatedAt)
}

func (s *SQLStore) GetUserByProviderID(ctx context.Context, workspaceID int64, providerID string) (*User, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider_id, name, real_name, display_name, email, timezone,
			image_url, is_bot, is_admin, is_deleted, profile, created_at
		FROM users WHERE workspace_id = $1 AND provider_id = $2`, workspaceID, providerID).
		Scan(&u.ID, &u.WorkspaceID, &u.ProviderID, &u.Name, &u.RealName, &u.DisplayName, &u.Email,
			&u.Timezone, &u.ImageURL, &u.IsBot, &u.IsAdmin, &u.IsDeleted, &u.Profile, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if m == nil || m.ChannelID == 0 || strings.TrimSpace(m.SlackTS) == "" {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (channel_id, user_id, parent_id, provider_id, slack_ts, text, subtype,
			is_edited, attachments, files, thread_ts, is_thread_parent, is_thread_reply,
			reply_count, reply_users_count, reaction_count, message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (channel_id, slack_ts) DO NOTHING
		RETURNING id`,
		m.ChannelID, nullableID(m.UserID), nullableID(m.ParentID), m.ProviderID, m.SlackTS, m.Text,
		m.Subtype, m.IsEdited, m.Attachments, m.Files, m.ThreadTS, m.IsThreadParent, m.IsThreadReply,
		m.ReplyCount, m.ReplyUsersCount, m.ReactionCount, m.MessageAt)
	err := row.Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: row already present. Resolve the surviving id so the
		// caller can still address it.
		existing, getErr := s.GetMessageByTS(ctx, m.ChannelID, m.SlackTS)
		if getErr == nil {
			m.ID = existing.ID
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const messageColumns = `id, channel_id, user_id, parent_id, provider_id, slack_ts, text, subtype,
	is_edited, attachments, files, thread_ts, is_thread_parent, is_thread_reply,
	reply_count, reply_users_count, reaction_count, message_at`

func (s *SQLStore) GetMessageByTS(ctx context.Context, channelID int64, slackTS string) (*Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = $1 AND slack_ts = $2`,
		channelID, slackTS)
	return scanMessage(row.Scan)
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var userID, parentID sql.NullInt64
	err := scan(&m.ID, &m.ChannelID, &userID, &parentID, &m.ProviderID, &m.SlackTS, &m.Text, &m.Subtype,
		&m.IsEdited, &m.Attachments, &m.Files, &m.ThreadTS, &m.IsThreadParent, &m.IsThreadReply,
		&m.ReplyCount, &m.ReplyUsersCount, &m.ReactionCount, &m.MessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		v := userID.Int64
		m.UserID = &v
	}
	if parentID.Valid {
		v := parentID.Int64
		m.ParentID = &v
	}
	return &m, nil
}

func (s *SQLStore) UpdateMessageThreadFields(ctx context.Context, id int64, update ThreadFieldsUpdate) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			thread_ts = $1,
			is_thread_reply = $2,
			parent_id = COALESCE($3, parent_id)
		WHERE id = $4`,
		update.ThreadTS, update.IsThreadReply, nullableID(update.ParentID), id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *SQLStore) SetMessageReplyCount(ctx context.Context, id int64, replyCount int) error {
	if replyCount < 0 {
		replyCount = 0
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			reply_count = $1,
			is_thread_parent = ($1 > 0 AND (thread_ts = '' OR thread_ts = slack_ts))
		WHERE id = $2`, replyCount, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *SQLStore) ListThreadParents(ctx context.Context, channelID int64, since time.Time) ([]Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var cutoff sql.NullTime
	if !since.IsZero() {
		cutoff = sql.NullTime{Time: since, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_id = $1 AND is_thread_parent = TRUE AND ($2 IS NULL OR message_at >= $2)
		ORDER BY slack_ts`, channelID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountThreadReplies(ctx context.Context, channelID int64, threadTS string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE channel_id = $1 AND is_thread_reply = TRUE AND thread_ts = $2`,
		channelID, threadTS).Scan(&count)
	return count, err
}

func (s *SQLStore) CountUnlinkedThreadReplies(ctx context.Context, channelID int64, threadTS string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE channel_id = $1 AND thread_ts = $2 AND slack_ts <> $2 AND parent_id IS NULL`,
		channelID, threadTS).Scan(&count)
	return count, err
}

func (s *SQLStore) CountMessages(ctx context.Context, channelID int64) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = $1`, channelID).Scan(&count)
	return count, err
}

func (s *SQLStore) RepairThreadParentFlags(ctx context.Context, workspaceID int64) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_thread_parent = TRUE
		WHERE is_thread_parent = FALSE
		  AND reply_count > 0
		  AND (thread_ts = '' OR thread_ts = slack_ts)
		  AND channel_id IN (SELECT id FROM channels WHERE workspace_id = $1)`, workspaceID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) RepairMessageUserReferences(ctx context.Context, workspaceID int64, channelID *int64) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, s.dialect.repairUserRefsStmt, workspaceID, nullableID(channelID))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) UpsertReaction(ctx context.Context, r *Reaction) error {
	if r == nil || r.MessageID == 0 || r.UserID == 0 || strings.TrimSpace(r.Name) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji_name) DO UPDATE SET emoji_name = EXCLUDED.emoji_name
		RETURNING id`, r.MessageID, r.UserID, r.Name)
	return row.Scan(&r.ID)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
