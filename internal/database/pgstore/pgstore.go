// Package pgstore implements channel.Store on PostgreSQL for deployments
// where several signaling nodes share one message store.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/callsignal/internal/channel"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements channel.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

const messageColumns = `id, channel_id, sender_id, kind, text, call_id, caller_name,
	 caller_image, join_ref, attachments, created_at, updated_at`

// Insert stores a new channel message.
func (s *Store) Insert(ctx context.Context, msg *channel.Message) error {
	attachments, err := json.Marshal(nonNil(msg.Attachments))
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.ChannelID, msg.SenderID, string(msg.Kind), msg.Text, msg.CallID,
		msg.CallerName, msg.CallerImage, msg.JoinRef, string(attachments),
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Get returns a message by id.
func (s *Store) Get(ctx context.Context, id string) (*channel.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// ListRecent returns the newest limit messages of a channel, oldest first.
func (s *Store) ListRecent(ctx context.Context, channelID string, limit int) ([]channel.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT seq, `+messageColumns+` FROM messages
		   WHERE channel_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`, channelID, limit)
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
	return msgs, rows.Err()
}

// Apply writes an edit with the kind precondition in the WHERE clause and
// returns the resulting row. Under READ COMMITTED a concurrent UPDATE
// re-evaluates the predicate after the first commits, so only one edit of
// ring to ended matches.
func (s *Store) Apply(ctx context.Context, id string, edit channel.Edit, at time.Time) (*channel.Message, bool, error) {
	attachments, err := json.Marshal(nonNil(edit.Attachments))
	if err != nil {
		return nil, false, fmt.Errorf("encoding attachments: %w", err)
	}

	query := `UPDATE messages SET text = $1, kind = $2, join_ref = $3, attachments = $4, updated_at = $5
		 WHERE id = $6`
	args := []any{edit.Text, string(edit.Kind), edit.JoinRef, string(attachments), at, id}
	if edit.IfKind != nil {
		query += ` AND kind = $7`
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
	var kind string
	var attachments []byte
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &kind, &m.Text, &m.CallID,
		&m.CallerName, &m.CallerImage, &m.JoinRef, &attachments,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Kind = channel.Kind(kind)
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	m.Attachments = nonNil(m.Attachments)
	return &m, nil
}

func nonNil(a []channel.Attachment) []channel.Attachment {
	if a == nil {
		return []channel.Attachment{}
	}
	return a
}
