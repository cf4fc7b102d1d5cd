package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

// SQLite-backed room history
type Database struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(dbPath string, logger zerolog.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets readers run alongside the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger = logger.With().Str("component", "db").Logger()
	logger.Info().Str("path", dbPath).Msg("database initialized")
	return &Database{db: db, log: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		reply_sender TEXT,
		reply_body TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Room operations

func (d *Database) EnsureRoom(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id) VALUES (?)", id)
	return err
}

// Message operations

func (d *Database) Append(ctx context.Context, msg protocol.Message) error {
	if err := d.EnsureRoom(ctx, msg.Room); err != nil {
		return fmt.Errorf("ensure room %s: %w", msg.Room, err)
	}

	var replySender, replyBody sql.NullString
	if msg.ReplyTo != nil {
		replySender = sql.NullString{String: msg.ReplyTo.Sender, Valid: true}
		replyBody = sql.NullString{String: msg.ReplyTo.Body, Valid: true}
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender, body, reply_sender, reply_body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Room, msg.Sender, msg.Body, replySender, replyBody, msg.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = d.db.ExecContext(ctx, "UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", msg.Room)
	return err
}

// Recent returns the last limit messages of room, oldest first.
func (d *Database) Recent(ctx context.Context, room string, limit int) ([]protocol.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, room_id, sender, body, reply_sender, reply_body, created_at FROM (
			SELECT * FROM messages WHERE room_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]protocol.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (d *Database) Get(ctx context.Context, room, id string) (protocol.Message, bool, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender, body, reply_sender, reply_body, created_at
		FROM messages WHERE room_id = ? AND id = ?
	`, room, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Message{}, false, nil
	}
	if err != nil {
		return protocol.Message{}, false, err
	}
	return msg, true, nil
}

func (d *Database) Clear(ctx context.Context, room string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM messages WHERE room_id = ?", room)
	return err
}

// Trim deletes all but the keep most recent messages of room.
func (d *Database) Trim(ctx context.Context, room string, keep int) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE room_id = ? AND seq NOT IN (
			SELECT seq FROM messages
			WHERE room_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
	`, room, room, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *Database) Count(ctx context.Context, room string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE room_id = ?",
		room,
	).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (protocol.Message, error) {
	var (
		msg         protocol.Message
		replySender sql.NullString
		replyBody   sql.NullString
		createdAt   int64
	)
	if err := s.Scan(&msg.ID, &msg.Room, &msg.Sender, &msg.Body, &replySender, &replyBody, &createdAt); err != nil {
		return protocol.Message{}, err
	}
	msg.CreatedAt = time.UnixMicro(createdAt).UTC()
	if replySender.Valid {
		msg.ReplyTo = &protocol.ReplySnapshot{Sender: replySender.String, Body: replyBody.String}
	}
	return msg, nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var messageCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&messageCount); err != nil {
		return nil, err
	}
	stats["message_count"] = messageCount
	stats["backend"] = "sqlite"

	return stats, nil
}
