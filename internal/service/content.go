package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/audit"
	"github.com/rdsconnect/screen-server/internal/broadcast"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/repository"
	"github.com/rdsconnect/screen-server/internal/storage"
	"github.com/rdsconnect/screen-server/internal/util"
)

// Default display time for media that carries no duration of its own.
const (
	DefaultImageDurationMs = 3000
	DefaultPDFDurationMs   = 5000
)

// DevicePlaylist is the sequence a specific device should play.
type DevicePlaylist struct {
	DeviceID string `json:"deviceId"`
	model.PlayableSequence
}

type ContentBroadcaster struct {
	tx             TxRunner
	deviceRepo     repository.DeviceRepository
	playlistRepo   repository.PlaylistRepository
	assignmentRepo repository.AssignmentRepository
	resolver       storage.Resolver
	publisher      GroupPublisher
	metrics        *metrics.Metrics
}

func NewContentBroadcaster(
	tx TxRunner,
	deviceRepo repository.DeviceRepository,
	playlistRepo repository.PlaylistRepository,
	assignmentRepo repository.AssignmentRepository,
	resolver storage.Resolver,
	publisher GroupPublisher,
	m *metrics.Metrics,
) *ContentBroadcaster {
	return &ContentBroadcaster{
		tx:             tx,
		deviceRepo:     deviceRepo,
		playlistRepo:   playlistRepo,
		assignmentRepo: assignmentRepo,
		resolver:       resolver,
		publisher:      publisher,
		metrics:        m,
	}
}

// ResolveActiveAssignment returns the one active assignment of the device.
func (b *ContentBroadcaster) ResolveActiveAssignment(ctx context.Context, deviceID string) (*model.PlaylistAssignment, error) {
	assignment, err := b.assignmentRepo.FindActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if assignment == nil {
		return nil, apperrors.NoActivePlaylist()
	}
	return assignment, nil
}

// BuildPlayableSequence orders the playlist's items by position and resolves
// a URI and a display duration for each.
func (b *ContentBroadcaster) BuildPlayableSequence(ctx context.Context, playlist *model.Playlist) (*model.PlayableSequence, error) {
	items, err := b.playlistRepo.FindItems(ctx, playlist.ID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Position < items[j].Position
	})

	seq := &model.PlayableSequence{
		PlaylistID:   playlist.ID,
		PlaylistName: playlist.Name,
		Items:        make([]model.PlayableItem, 0, len(items)),
	}
	for _, item := range items {
		uri, err := b.resolver.URI(ctx, item.MediaStorageKey)
		if err != nil {
			return nil, apperrors.External("media storage", err)
		}
		seq.Items = append(seq.Items, model.PlayableItem{
			URI:      uri,
			Duration: ResolveDuration(item),
			MediaID:  item.MediaID,
			Type:     item.MediaType,
			Order:    item.Position,
		})
	}
	return seq, nil
}

// ResolveDuration picks the display time of an item: its own override, then
// the media's intrinsic length, then a default for the media type. Videos
// have no default and yield nil.
func ResolveDuration(item model.PlaylistItem) *int {
	if item.DurationMs != nil {
		return intPtr(*item.DurationMs)
	}
	if item.MediaDurationMs != nil {
		return intPtr(*item.MediaDurationMs)
	}
	switch item.MediaType {
	case model.MediaTypeImage:
		return intPtr(DefaultImageDurationMs)
	case model.MediaTypePDF:
		return intPtr(DefaultPDFDurationMs)
	default:
		return nil
	}
}

func intPtr(v int) *int {
	return &v
}

// RequestPlaylist returns what the device should currently be playing.
func (b *ContentBroadcaster) RequestPlaylist(ctx context.Context, deviceID string) (*DevicePlaylist, error) {
	if !util.IsValidUUID(deviceID) {
		return nil, apperrors.DeviceNotFound()
	}
	device, err := b.deviceRepo.FindByID(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		return nil, apperrors.DeviceNotFound()
	}

	assignment, err := b.ResolveActiveAssignment(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return b.sequenceFor(ctx, deviceID, assignment.PlaylistID)
}

// ActivateExclusive makes playlistID the only active assignment of the
// device. The device row lock serializes concurrent switches for the same
// device; if the playlist is not assigned nothing changes.
func (b *ContentBroadcaster) ActivateExclusive(ctx context.Context, playlistID, deviceID string) error {
	if !util.IsValidUUID(deviceID) {
		return apperrors.DeviceNotFound()
	}
	if !util.IsValidUUID(playlistID) {
		return apperrors.PlaylistNotAssigned()
	}

	return b.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		device, err := b.deviceRepo.WithTx(tx).LockForUpdate(ctx, deviceID)
		if err != nil {
			return apperrors.Database(err)
		}
		if device == nil {
			return apperrors.DeviceNotFound()
		}

		assignments := b.assignmentRepo.WithTx(tx)
		if _, err := assignments.DeactivateOthers(ctx, deviceID, playlistID); err != nil {
			return apperrors.Database(err)
		}
		activated, err := assignments.Activate(ctx, deviceID, playlistID)
		if err != nil {
			return apperrors.Database(err)
		}
		if !activated {
			return apperrors.PlaylistNotAssigned()
		}
		return nil
	})
}

// SwitchActivePlaylist activates the playlist, returns its sequence and
// pushes the same sequence to the device group. Delivery to the group is
// best-effort.
func (b *ContentBroadcaster) SwitchActivePlaylist(ctx context.Context, deviceID, playlistID string) (*DevicePlaylist, error) {
	if err := b.ActivateExclusive(ctx, playlistID, deviceID); err != nil {
		b.metrics.PlaylistSwitch(string(apperrors.GetCode(err)))
		return nil, err
	}

	result, err := b.sequenceFor(ctx, deviceID, playlistID)
	if err != nil {
		b.metrics.PlaylistSwitch(string(apperrors.GetCode(err)))
		return nil, err
	}
	b.metrics.PlaylistSwitch("switched")

	audit.Log(ctx, audit.Event{
		Type:     audit.EventPlaylistActivated,
		DeviceID: deviceID,
		Details: map[string]interface{}{
			"playlistId": playlistID,
			"items":      len(result.Items),
		},
	})

	b.push(ctx, deviceID, result)
	return result, nil
}

func (b *ContentBroadcaster) sequenceFor(ctx context.Context, deviceID, playlistID string) (*DevicePlaylist, error) {
	playlist, err := b.playlistRepo.FindByID(ctx, playlistID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if playlist == nil {
		return nil, apperrors.NotFound("Playlist")
	}

	seq, err := b.BuildPlayableSequence(ctx, playlist)
	if err != nil {
		return nil, fmt.Errorf("build sequence for playlist %s: %w", playlistID, err)
	}
	return &DevicePlaylist{DeviceID: deviceID, PlayableSequence: *seq}, nil
}

func (b *ContentBroadcaster) push(ctx context.Context, deviceID string, result *DevicePlaylist) {
	event, err := broadcast.NewEvent(broadcast.EventPlaylistChanged, result)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode playlist-changed event")
		return
	}
	if err := b.publisher.Publish(ctx, deviceID, event); err != nil {
		log.Warn().Err(err).
			Str("deviceId", deviceID).
			Str("playlistId", result.PlaylistID).
			Msg("failed to push playlist change")
	}
}
