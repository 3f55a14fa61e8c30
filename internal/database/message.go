package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/callsignal/internal/channel"
)

// messageStore implements channel.Store on SQLite.
type messageStore struct {
	db *DB
}

// NewMessageStore creates a channel.Store backed by db.
func NewMessageStore(db *DB) channel.Store {
	return &messageStore{db: db}
}

const messageColumns = `id, channel_id, sender_id, kind, text, call_id, caller_name,
	 caller_image, join_ref, attachments, created_at, updated_at`

// Insert stores a new channel message.
func (s *messageStore) Insert(ctx context.Context, msg *channel.Message) error {
	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.SenderID, string(msg.Kind), msg.Text, msg.CallID,
		msg.CallerName, msg.CallerImage, msg.JoinRef, attachments,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Get returns a message by id.
func (s *messageStore) Get(ctx context.Context, id string) (*channel.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// ListRecent returns the newest limit messages of a channel, oldest first.
func (s *messageStore) ListRecent(ctx context.Context, channelID string, limit int) ([]channel.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel_id = ? ORDER BY seq DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []channel.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Apply writes an edit in a single UPDATE. The kind precondition is part of
// the WHERE clause so concurrent edits race inside SQLite and only one of
// them matches.
func (s *messageStore) Apply(ctx context.Context, id string, edit channel.Edit, at time.Time) (*channel.Message, bool, error) {
	attachments, err := encodeAttachments(edit.Attachments)
	if err != nil {
		return nil, false, err
	}

	query := `UPDATE messages SET text = ?, kind = ?, join_ref = ?, attachments = ?, updated_at = ?
		 WHERE id = ?`
	args := []any{edit.Text, string(edit.Kind), edit.JoinRef, attachments, at, id}
	if edit.IfKind != nil {
		query += ` AND kind = ?`
		args = append(args, string(*edit.IfKind))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("updating message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return m, n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*channel.Message, error) {
	var m channel.Message
	var kind, attachments string
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &kind, &m.Text, &m.CallID,
		&m.CallerName, &m.CallerImage, &m.JoinRef, &attachments,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Kind = channel.Kind(kind)
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	if m.Attachments == nil {
		m.Attachments = []channel.Attachment{}
	}
	return &m, nil
}

func encodeAttachments(a []channel.Attachment) (string, error) {
	if a == nil {
		a = []channel.Attachment{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding attachments: %w", err)
	}
	return string(b), nil
}
