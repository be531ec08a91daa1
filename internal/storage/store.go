// Package storage persists chat streams, the message log, relationships
// and small pieces of operational state in a single SQLite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/relationship"
)

// Store is the SQLite-backed persistence layer. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at dbPath. The schema is created
// automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS streams (
		stream_id   TEXT PRIMARY KEY,
		platform    TEXT NOT NULL,
		user_info   TEXT NOT NULL,
		group_info  TEXT,
		created_at  TEXT NOT NULL,
		last_active TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id     TEXT NOT NULL,
		stream_id      TEXT NOT NULL,
		time           REAL NOT NULL,
		user_id        TEXT NOT NULL,
		nickname       TEXT NOT NULL DEFAULT '',
		processed_text TEXT NOT NULL DEFAULT '',
		raw            TEXT NOT NULL,
		is_bot         INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_stream_time ON messages(stream_id, time);

	CREATE TABLE IF NOT EXISTS relationships (
		platform   TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		nickname   TEXT NOT NULL DEFAULT '',
		value      REAL NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (platform, user_id)
	);

	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveStream upserts a stream.
func (s *Store) SaveStream(ctx context.Context, st *chat.Stream) error {
	user, err := json.Marshal(st.UserInfo)
	if err != nil {
		return fmt.Errorf("encode user info: %w", err)
	}
	var group sql.NullString
	if st.GroupInfo != nil {
		b, err := json.Marshal(st.GroupInfo)
		if err != nil {
			return fmt.Errorf("encode group info: %w", err)
		}
		group = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO streams (stream_id, platform, user_info, group_info, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stream_id) DO UPDATE
		 SET user_info = excluded.user_info,
		     group_info = excluded.group_info,
		     last_active = excluded.last_active`,
		st.ID, st.Platform, string(user), group, formatTime(st.CreatedAt), formatTime(st.LastActive),
	)
	if err != nil {
		return fmt.Errorf("save stream %s: %w", st.ID, err)
	}
	return nil
}

// LoadStreams returns every stored stream.
func (s *Store) LoadStreams(ctx context.Context) ([]*chat.Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, platform, user_info, group_info, created_at, last_active
		 FROM streams ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("load streams: %w", err)
	}
	defer rows.Close()

	var out []*chat.Stream
	for rows.Next() {
		var (
			st                 chat.Stream
			user, created, act string
			group              sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Platform, &user, &group, &created, &act); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		if err := json.Unmarshal([]byte(user), &st.UserInfo); err != nil {
			return nil, fmt.Errorf("decode user info for %s: %w", st.ID, err)
		}
		if group.Valid {
			var g chat.GroupInfo
			if err := json.Unmarshal([]byte(group.String), &g); err != nil {
				return nil, fmt.Errorf("decode group info for %s: %w", st.ID, err)
			}
			st.GroupInfo = &g
		}
		st.CreatedAt = parseTime(created)
		st.LastActive = parseTime(act)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// StoredMessage is one row of the message log.
type StoredMessage struct {
	MessageID     string
	StreamID      string
	Time          time.Time
	UserID        string
	Nickname      string
	ProcessedText string
	IsBot         bool
}

// StoreMessage appends an inbound message to the log. The message must
// have its stream attached.
func (s *Store) StoreMessage(ctx context.Context, msg *chat.Message) error {
	if msg.Stream == nil {
		return fmt.Errorf("store message %s: no stream", msg.Info.MessageID)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.insertMessage(ctx, StoredMessage{
		MessageID:     msg.Info.MessageID,
		StreamID:      msg.Stream.ID,
		Time:          msg.Time(),
		UserID:        msg.Info.UserInfo.UserID,
		Nickname:      msg.Info.UserInfo.DisplayName(),
		ProcessedText: msg.ProcessedText,
	}, string(raw))
}

// StoreReply appends a message the bot sent to the log so it shows up
// in later prompt history.
func (s *Store) StoreReply(ctx context.Context, m StoredMessage) error {
	m.IsBot = true
	return s.insertMessage(ctx, m, "{}")
}

func (s *Store) insertMessage(ctx context.Context, m StoredMessage, raw string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, stream_id, time, user_id, nickname, processed_text, raw, is_bot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.StreamID, float64(m.Time.UnixNano())/1e9, m.UserID, m.Nickname, m.ProcessedText, raw, m.IsBot,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.MessageID, err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages in a
// stream, oldest first.
func (s *Store) RecentMessages(ctx context.Context, streamID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, stream_id, time, user_id, nickname, processed_text, is_bot
		 FROM messages WHERE stream_id = ?
		 ORDER BY time DESC, id DESC LIMIT ?`,
		streamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages %s: %w", streamID, err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var (
			m  StoredMessage
			ts float64
		)
		if err := rows.Scan(&m.MessageID, &m.StreamID, &ts, &m.UserID, &m.Nickname, &m.ProcessedText, &m.IsBot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Time = time.Unix(0, int64(ts*1e9))
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveRelationship upserts a relationship.
func (s *Store) SaveRelationship(ctx context.Context, r relationship.Relationship) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (platform, user_id, nickname, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (platform, user_id) DO UPDATE
		 SET nickname = excluded.nickname, value = excluded.value, updated_at = excluded.updated_at`,
		r.Platform, r.UserID, r.Nickname, r.Value, formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save relationship %s:%s: %w", r.Platform, r.UserID, err)
	}
	return nil
}

// LoadRelationships returns every stored relationship.
func (s *Store) LoadRelationships(ctx context.Context) ([]relationship.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, user_id, nickname, value, updated_at FROM relationships ORDER BY platform, user_id`)
	if err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	defer rows.Close()

	var out []relationship.Relationship
	for rows.Next() {
		var (
			r       relationship.Relationship
			updated string
		)
		if err := rows.Scan(&r.Platform, &r.UserID, &r.Nickname, &r.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

const willingnessNamespace = "willingness"

// SaveWillingness replaces the stored willingness values.
func (s *Store) SaveWillingness(ctx context.Context, values map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ?`, willingnessNamespace); err != nil {
		return fmt.Errorf("clear willingness: %w", err)
	}
	now := formatTime(time.Now())
	for id, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO operational_state (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			willingnessNamespace, id, strconv.FormatFloat(v, 'g', -1, 64), now,
		); err != nil {
			return fmt.Errorf("save willingness %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// LoadWillingness returns the stored willingness values. Rows that do
// not parse are skipped.
func (s *Store) LoadWillingness(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM operational_state WHERE namespace = ?`, willingnessNamespace)
	if err != nil {
		return nil, fmt.Errorf("load willingness: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan willingness: %w", err)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[k] = f
	}
	return out, rows.Err()
}
