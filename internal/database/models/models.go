package models

import "time"

// PushToken is a device token registered to receive ring pushes for a
// channel.
type PushToken struct {
	ID         int64
	UserID     string
	ChannelID  string
	Token      string
	Platform   string // "fcm"
	DeviceID   string
	AppVersion string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
