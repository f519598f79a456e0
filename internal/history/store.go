// Package history is the local SQLite cache behind the gateway: conversation
// metadata, completed transcripts, pairing records, upload receipts, and the
// audit trail. The backend remains the source of truth for answers; this
// cache exists so listing, resuming, and auditing work without a round trip.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ragline/internal/domain"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. SQLite allows one writer, so the pool is
// pinned to a single connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- conversations ---

// SaveConversation inserts the conversation if it is new. Timestamps are
// filled when zero.
func (s *Store) SaveConversation(ctx context.Context, conv domain.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, title, channel, chat_id, backend_session_id, preset, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Channel, conv.ChatID, conv.BackendSessionID, conv.Preset, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

// Conversation returns nil without error when the id is unknown.
func (s *Store) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, channel, chat_id, backend_session_id, preset, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &conv.Channel, &conv.ChatID, &conv.BackendSessionID, &conv.Preset, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	conv.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title=?, backend_session_id=?, preset=?, updated_at=? WHERE id=?`,
		conv.Title, conv.BackendSessionID, conv.Preset, conv.UpdatedAt, conv.ID,
	)
	return err
}

// Conversations lists the most recently active conversations.
func (s *Store) Conversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, channel, chat_id, backend_session_id, preset, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Channel, &c.ChatID, &c.BackendSessionID, &c.Preset, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// LatestFor returns the most recent conversation bound to a channel/chat
// pair, or nil when the chat has never talked to the gateway.
func (s *Store) LatestFor(ctx context.Context, channel, chatID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, channel, chat_id, backend_session_id, preset, created_at, updated_at
		 FROM conversations WHERE channel = ? AND chat_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, channel, chatID,
	).Scan(&conv.ID, &conv.Title, &conv.Channel, &conv.ChatID, &conv.BackendSessionID, &conv.Preset, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	// ON DELETE CASCADE needs foreign_keys=on, which modernc defaults off.
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
	return err
}

// --- messages ---

// ReplaceMessages stores the full transcript of a conversation, replacing
// whatever was cached before. Callers hand in the folded transcript after
// each completed turn, so replace-all keeps the cache idempotent. keep
// bounds how many trailing messages survive; 0 means no bound.
func (s *Store) ReplaceMessages(ctx context.Context, convID string, msgs []domain.Message, keep int) error {
	if keep > 0 && len(msgs) > keep {
		msgs = msgs[len(msgs)-keep:]
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return err
	}

	for _, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, message_id, role, content, tool_calls, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			convID, m.ID, string(m.Role), m.Content, toolCalls, created,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), convID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// Messages returns the last limit messages of a conversation in
// chronological order.
func (s *Store) Messages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, tool_calls, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &toolCalls, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.Final = true
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				s.logger.Warn("cached tool calls unreadable", "conversation", convID, "err", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- audit ---

func (s *Store) Audit(ctx context.Context, entry domain.AuditEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (channel, actor, action, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Channel, entry.Actor, entry.Action, entry.Detail, entry.Time,
	)
	return err
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, actor, action, detail, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Channel, &e.Actor, &e.Action, &e.Detail, &e.Time); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- pairing ---

// Pair records that a sender on a channel is allowed in. ttl <= 0 means the
// pairing never expires.
func (s *Store) Pair(ctx context.Context, channel, userID string, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO paired_users (channel, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, userID, time.Now(), expires,
	)
	return err
}

func (s *Store) Unpair(ctx context.Context, channel, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM paired_users WHERE channel = ? AND user_id = ?`, channel, userID,
	)
	return err
}

// IsPaired reports whether the sender holds an unexpired pairing.
func (s *Store) IsPaired(ctx context.Context, channel, userID string) (bool, error) {
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM paired_users WHERE channel = ? AND user_id = ?`,
		channel, userID,
	).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expires.Valid && expires.Time.Before(time.Now()) {
		return false, nil
	}
	return true, nil
}

// --- uploads ---

// RecordUpload keeps a receipt of a document pushed to the backend.
func (s *Store) RecordUpload(ctx context.Context, documentID, filename string, size int64, chunks int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO uploads (id, filename, size, chunks, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		documentID, filename, size, chunks, time.Now(),
	)
	return err
}

func (s *Store) Uploads(ctx context.Context, limit int) ([]UploadReceipt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, size, chunks, created_at
		 FROM uploads ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []UploadReceipt
	for rows.Next() {
		var r UploadReceipt
		if err := rows.Scan(&r.DocumentID, &r.Filename, &r.Size, &r.Chunks, &r.CreatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// UploadReceipt is a local record of one ingest call.
type UploadReceipt struct {
	DocumentID string
	Filename   string
	Size       int64
	Chunks     int
	CreatedAt  time.Time
}

// --- maintenance ---

// Prune drops conversations idle past the retention window, their messages,
// and audit rows of the same age. Returns how many conversations went.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	pruned, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id NOT IN (SELECT id FROM conversations)`,
	); err != nil {
		return pruned, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff,
	); err != nil {
		return pruned, err
	}

	if pruned > 0 {
		s.logger.Info("pruned stale conversations", "count", pruned, "retention_days", retentionDays)
	}
	return pruned, nil
}

// Stats summarizes cache contents for status and doctor output.
type Stats struct {
	Conversations int
	Messages      int
	Uploads       int
	PairedUsers   int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM conversations`, &st.Conversations},
		{`SELECT COUNT(*) FROM messages`, &st.Messages},
		{`SELECT COUNT(*) FROM uploads`, &st.Uploads},
		{`SELECT COUNT(*) FROM paired_users`, &st.PairedUsers},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return st, err
		}
	}
	return st, nil
}
