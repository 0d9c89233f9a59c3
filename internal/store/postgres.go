package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/pkg/models"
)

// PostgresStore implements the collaborator interfaces on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies it.
func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying pool for related stores.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// EnsureSchema creates the tables this store reads and writes. The unique
// index on (sender_id, client_message_id) is the durable dedup backstop.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id  TEXT NOT NULL,
			user_id  TEXT NOT NULL,
			role     TEXT NOT NULL DEFAULT 'member',
			can_send BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			chat_id           TEXT NOT NULL,
			sender_id         TEXT NOT NULL,
			client_message_id TEXT NOT NULL,
			type              TEXT NOT NULL,
			content           TEXT NOT NULL DEFAULT '',
			media_ref         TEXT NOT NULL DEFAULT '',
			reply_to          TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (sender_id, client_message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id   TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			delivered_at TIMESTAMPTZ,
			read_at      TIMESTAMPTZ,
			PRIMARY KEY (message_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS call_logs (
			call_id     TEXT PRIMARY KEY,
			chat_id     TEXT NOT NULL,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			status      TEXT NOT NULL,
			end_reason  TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMPTZ NOT NULL,
			answered_at TIMESTAMPTZ,
			ended_at    TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id   TEXT PRIMARY KEY,
			online    BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID).Scan(&exists)
	if err != nil {
		return false, models.WrapError(models.ErrTransient, err, "query participant")
	}
	return exists, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, chatID, userID string) (*Participant, error) {
	p := &Participant{}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, role, can_send FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID).Scan(&p.UserID, &p.Role, &p.CanSend)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrNotFound, "participant %s not in chat %s", userID, chatID)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrTransient, err, "query participant")
	}
	return p, nil
}

func (s *PostgresStore) CanSendMessage(ctx context.Context, chatID, userID string) (bool, error) {
	var canSend bool
	err := s.db.QueryRowContext(ctx,
		`SELECT can_send FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID).Scan(&canSend)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, models.WrapError(models.ErrTransient, err, "query send permission")
	}
	return canSend, nil
}

func (s *PostgresStore) Participants(ctx context.Context, chatID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, can_send FROM chat_participants WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, models.WrapError(models.ErrTransient, err, "query participants")
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.CanSend); err != nil {
			return nil, models.WrapError(models.ErrTransient, err, "scan participant")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertByClientID(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, bool, error) {
	if msg == nil || msg.SenderID == "" || msg.ClientMessageID == "" {
		return nil, false, models.NewError(models.ErrValidation, "sender id and client message id are required")
	}

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}

	// Insert-if-absent. A conflicting row means a concurrent or earlier
	// submission won; return that original row instead.
	var insertedID string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, client_message_id, type, content, media_ref, reply_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (sender_id, client_message_id) DO NOTHING
		 RETURNING id`,
		clone.ID, clone.ChatID, clone.SenderID, clone.ClientMessageID,
		string(clone.Type), clone.Content, clone.MediaRef, clone.ReplyTo, clone.CreatedAt,
	).Scan(&insertedID)

	if err == nil {
		return &clone, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, models.WrapError(models.ErrTransient, err, "insert message")
	}

	existing := &models.ChatMessage{SenderID: msg.SenderID, ClientMessageID: msg.ClientMessageID}
	var msgType string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, type, content, media_ref, reply_to, created_at
		 FROM messages WHERE sender_id = $1 AND client_message_id = $2`,
		msg.SenderID, msg.ClientMessageID,
	).Scan(&existing.ID, &existing.ChatID, &msgType, &existing.Content,
		&existing.MediaRef, &existing.ReplyTo, &existing.CreatedAt)
	if err != nil {
		return nil, false, models.WrapError(models.ErrTransient, err, "fetch conflicting message")
	}
	existing.Type = models.MessageType(msgType)
	return existing, true, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_receipts (message_id, user_id, delivered_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at)`,
		messageID, userID, at)
	if err != nil {
		return models.WrapError(models.ErrTransient, err, "mark delivered")
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, messageID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = COALESCE(message_receipts.read_at, EXCLUDED.read_at)`,
		messageID, userID, at)
	if err != nil {
		return models.WrapError(models.ErrTransient, err, "mark read")
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, call *models.ActiveCall) error {
	if call == nil || call.CallID == "" {
		return models.NewError(models.ErrValidation, "call id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_logs (call_id, chat_id, caller_id, receiver_id, call_type, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		call.CallID, call.ChatID, call.CallerID, call.ReceiverID,
		string(call.CallType), string(call.Status), call.StartTime)
	if err != nil {
		return models.WrapError(models.ErrTransient, err, "create call log")
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, call *models.ActiveCall) error {
	if call == nil || call.CallID == "" {
		return models.NewError(models.ErrValidation, "call id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_logs
		 SET status = $2, end_reason = $3, answered_at = $4, ended_at = $5, duration_ms = $6
		 WHERE call_id = $1`,
		call.CallID, string(call.Status), call.EndReason,
		nullTime(call.AnsweredAt), nullTime(call.EndedAt), call.Duration().Milliseconds())
	if err != nil {
		return models.WrapError(models.ErrTransient, err, "update call log")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NewError(models.ErrNotFound, "call %s not found", call.CallID)
	}
	return nil
}

func (s *PostgresStore) SetOnlineStatus(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, online, last_seen) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET online = EXCLUDED.online, last_seen = EXCLUDED.last_seen`,
		userID, online, at)
	if err != nil {
		return models.WrapError(models.ErrTransient, err, "set online status")
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
