package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/callsignal/internal/database/models"
)

// pushTokenRepo implements PushTokenRepository.
type pushTokenRepo struct {
	db *DB
}

// NewPushTokenRepository creates a new PushTokenRepository.
func NewPushTokenRepository(db *DB) PushTokenRepository {
	return &pushTokenRepo{db: db}
}

// Upsert inserts or updates a push token for a user's device on a channel.
// If a token already exists for the same (user_id, channel_id, device_id),
// it is updated.
func (r *pushTokenRepo) Upsert(ctx context.Context, token *models.PushToken) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO push_tokens (user_id, channel_id, token, platform, device_id, app_version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(user_id, channel_id, device_id) DO UPDATE SET
		   token = excluded.token,
		   platform = excluded.platform,
		   app_version = excluded.app_version,
		   updated_at = datetime('now')`,
		token.UserID, token.ChannelID, token.Token, token.Platform, token.DeviceID, token.AppVersion,
	)
	if err != nil {
		return fmt.Errorf("upserting push token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	token.ID = id
	return nil
}

// ListByChannel returns all push tokens watching a channel.
func (r *pushTokenRepo) ListByChannel(ctx context.Context, channelID string) ([]models.PushToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, channel_id, token, platform, device_id, app_version, created_at, updated_at
		 FROM push_tokens WHERE channel_id = ? ORDER BY updated_at DESC`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying push tokens by channel: %w", err)
	}
	defer rows.Close()

	var tokens []models.PushToken
	for rows.Next() {
		var t models.PushToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.ChannelID, &t.Token, &t.Platform,
			&t.DeviceID, &t.AppVersion, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning push token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteByToken removes a push token by its token value. Used to invalidate
// tokens that FCM reports as unregistered.
func (r *pushTokenRepo) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM push_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("deleting push token by value: %w", err)
	}
	return nil
}

// DeleteByUserAndDevice removes all channel watches for a user's device.
func (r *pushTokenRepo) DeleteByUserAndDevice(ctx context.Context, userID, deviceID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM push_tokens WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	if err != nil {
		return fmt.Errorf("deleting push tokens by user and device: %w", err)
	}
	return nil
}
