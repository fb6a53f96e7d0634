package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rdsconnect/screen-server/internal/model"
)

type PlaylistRepository interface {
	FindByID(ctx context.Context, id string) (*model.Playlist, error)
	// FindItems returns the playlist entries joined with their media,
	// ordered by position.
	FindItems(ctx context.Context, playlistID string) ([]model.PlaylistItem, error)
	WithTx(tx *sqlx.Tx) PlaylistRepository
}

type playlistRepo struct {
	db sqlxDB
}

func NewPlaylistRepository(db *sqlx.DB) PlaylistRepository {
	return &playlistRepo{db: db}
}

func (r *playlistRepo) WithTx(tx *sqlx.Tx) PlaylistRepository {
	return &playlistRepo{db: tx}
}

func (r *playlistRepo) FindByID(ctx context.Context, id string) (*model.Playlist, error) {
	var playlist model.Playlist
	err := r.db.GetContext(ctx, &playlist, `SELECT * FROM playlists WHERE id = $1`, id)
	return HandleNotFound(&playlist, err)
}

func (r *playlistRepo) FindItems(ctx context.Context, playlistID string) ([]model.PlaylistItem, error) {
	var items []model.PlaylistItem
	err := r.db.SelectContext(ctx, &items, `
		SELECT
			i.id, i.playlist_id, i.media_id, i.position, i.duration_ms,
			m.type AS media_type,
			m.storage_key AS media_storage_key,
			m.duration_ms AS media_duration_ms
		FROM playlist_items i
		JOIN media m ON m.id = i.media_id
		WHERE i.playlist_id = $1
		ORDER BY i.position ASC, i.id ASC
	`, playlistID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

type AssignmentRepository interface {
	FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.PlaylistAssignment, error)
	FindByDeviceID(ctx context.Context, deviceID string) ([]model.PlaylistAssignment, error)
	// DeactivateOthers clears the active flag on every assignment of the
	// device except the one for keepPlaylistID.
	DeactivateOthers(ctx context.Context, deviceID, keepPlaylistID string) (int64, error)
	// Activate sets the active flag on an existing assignment. It reports
	// false when the playlist is not assigned to the device.
	Activate(ctx context.Context, deviceID, playlistID string) (bool, error)
	WithTx(tx *sqlx.Tx) AssignmentRepository
}

type assignmentRepo struct {
	db sqlxDB
}

func NewAssignmentRepository(db *sqlx.DB) AssignmentRepository {
	return &assignmentRepo{db: db}
}

func (r *assignmentRepo) WithTx(tx *sqlx.Tx) AssignmentRepository {
	return &assignmentRepo{db: tx}
}

func (r *assignmentRepo) FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.PlaylistAssignment, error) {
	var assignment model.PlaylistAssignment
	err := r.db.GetContext(ctx, &assignment, `
		SELECT * FROM playlist_assignments
		WHERE device_id = $1 AND is_active
	`, deviceID)
	return HandleNotFound(&assignment, err)
}

func (r *assignmentRepo) FindByDeviceID(ctx context.Context, deviceID string) ([]model.PlaylistAssignment, error) {
	var assignments []model.PlaylistAssignment
	err := r.db.SelectContext(ctx, &assignments, `
		SELECT * FROM playlist_assignments
		WHERE device_id = $1
		ORDER BY assigned_at ASC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *assignmentRepo) DeactivateOthers(ctx context.Context, deviceID, keepPlaylistID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE playlist_assignments SET is_active = FALSE
		WHERE device_id = $1 AND playlist_id <> $2 AND is_active
	`, deviceID, keepPlaylistID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *assignmentRepo) Activate(ctx context.Context, deviceID, playlistID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE playlist_assignments SET is_active = TRUE
		WHERE device_id = $1 AND playlist_id = $2
	`, deviceID, playlistID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
