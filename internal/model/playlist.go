package model

import (
	"time"
)

type Playlist struct {
	ID        string    `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"accountId"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type Media struct {
	ID         string    `db:"id" json:"id"`
	AccountID  string    `db:"account_id" json:"accountId"`
	Name       string    `db:"name" json:"name"`
	Type       MediaType `db:"type" json:"type"`
	StorageKey string    `db:"storage_key" json:"-"`
	DurationMs *int      `db:"duration_ms" json:"durationMs,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// PlaylistItem is one ordered entry of a playlist, joined with its media.
type PlaylistItem struct {
	ID              string    `db:"id" json:"id"`
	PlaylistID      string    `db:"playlist_id" json:"playlistId"`
	MediaID         string    `db:"media_id" json:"mediaId"`
	Position        int       `db:"position" json:"position"`
	DurationMs      *int      `db:"duration_ms" json:"durationMs,omitempty"`
	MediaType       MediaType `db:"media_type" json:"mediaType"`
	MediaStorageKey string    `db:"media_storage_key" json:"-"`
	MediaDurationMs *int      `db:"media_duration_ms" json:"mediaDurationMs,omitempty"`
}

type PlaylistAssignment struct {
	ID         string    `db:"id" json:"id"`
	DeviceID   string    `db:"device_id" json:"deviceId"`
	PlaylistID string    `db:"playlist_id" json:"playlistId"`
	IsActive   bool      `db:"is_active" json:"isActive"`
	AssignedAt time.Time `db:"assigned_at" json:"assignedAt"`
}

// PlayableItem is what a screen renders: a resolvable URI and how long to
// show it. A nil duration means "play until the media ends".
type PlayableItem struct {
	URI      string    `json:"uri"`
	Duration *int      `json:"duration"`
	MediaID  string    `json:"mediaId"`
	Type     MediaType `json:"type"`
	Order    int       `json:"order"`
}

// PlayableSequence is the ordered content a screen should loop over.
type PlayableSequence struct {
	PlaylistID   string         `json:"playlistId"`
	PlaylistName string         `json:"playlistName"`
	Items        []PlayableItem `json:"items"`
}
