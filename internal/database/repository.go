package database

import (
	"context"

	"github.com/flowpbx/callsignal/internal/database/models"
)

// PushTokenRepository manages device push tokens that watch a channel for
// incoming rings.
type PushTokenRepository interface {
	Upsert(ctx context.Context, token *models.PushToken) error
	ListByChannel(ctx context.Context, channelID string) ([]models.PushToken, error)
	DeleteByToken(ctx context.Context, token string) error
	DeleteByUserAndDevice(ctx context.Context, userID, deviceID string) error
}
