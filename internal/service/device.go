package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/audit"
	"github.com/rdsconnect/screen-server/internal/database"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/registry"
	"github.com/rdsconnect/screen-server/internal/repository"
	"github.com/rdsconnect/screen-server/internal/util"
)

const (
	maxCodeAttempts   = 10
	defaultDeviceName = "New screen"
	maxDeviceNameLen  = 100
)

type CheckResult struct {
	Device *model.Device `json:"device"`
	IsNew  bool          `json:"isNew"`
}

type ConnectResult struct {
	DeviceID     string `json:"deviceId"`
	ConnectionID string `json:"connectionId"`
}

type DeviceStatus struct {
	DeviceID    string     `json:"deviceId"`
	IsConnected bool       `json:"isConnected"`
	ConnectedAt *time.Time `json:"connectedAt"`
}

// OwnedDevice is a device of the account together with its live session.
type OwnedDevice struct {
	model.Device
	IsConnected bool       `json:"isConnected"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
}

// DeviceService handles screen discovery and the live session lifecycle.
type DeviceService struct {
	deviceRepo repository.DeviceRepository
	registry   *registry.Registry
	metrics    *metrics.Metrics
	newCode    func() (string, error)
}

func NewDeviceService(deviceRepo repository.DeviceRepository, reg *registry.Registry, m *metrics.Metrics) *DeviceService {
	return &DeviceService{
		deviceRepo: deviceRepo,
		registry:   reg,
		metrics:    m,
		newCode:    util.GeneratePairingCode,
	}
}

// Check finds the device showing code, or registers a new unpaired device.
// Without a code a fresh one is generated.
func (s *DeviceService) Check(ctx context.Context, code, name string) (*CheckResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultDeviceName
	}
	if len(name) > maxDeviceNameLen {
		return nil, apperrors.InvalidInput("name", "too long")
	}

	if code != "" {
		if !util.IsValidPairingCode(code) {
			return nil, apperrors.InvalidCode()
		}
		device, err := s.deviceRepo.FindByCode(ctx, code)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if device != nil {
			return &CheckResult{Device: device}, nil
		}
		result, err := s.create(ctx, code, name)
		if database.IsUniqueViolation(err, "devices_pairing_code_key") {
			// registered concurrently under the same code
			device, err = s.deviceRepo.FindByCode(ctx, code)
			if err != nil {
				return nil, apperrors.Database(err)
			}
			if device == nil {
				return nil, apperrors.Conflict("pairing code is in use")
			}
			return &CheckResult{Device: device}, nil
		}
		return result, err
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		generated, err := s.newCode()
		if err != nil {
			return nil, apperrors.Internal("failed to generate pairing code").WithCause(err)
		}
		result, err := s.create(ctx, generated, name)
		if err == nil {
			return result, nil
		}
		if !database.IsUniqueViolation(err, "devices_pairing_code_key") {
			return nil, err
		}
		log.Debug().Int("attempt", attempt+1).Msg("pairing code collision, retrying")
	}
	return nil, apperrors.Internal("could not allocate a unique pairing code")
}

func (s *DeviceService) create(ctx context.Context, code, name string) (*CheckResult, error) {
	device, err := s.deviceRepo.Create(ctx, model.CreateDeviceParams{Name: name, PairingCode: code})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceRegistered,
		DeviceID: device.ID,
		Details:  map[string]interface{}{"code": util.MaskCode(code)},
	})
	return &CheckResult{Device: device, IsNew: true}, nil
}

// Connect registers conn as the live session of an existing device and
// joins it to the device group.
func (s *DeviceService) Connect(ctx context.Context, deviceID string, conn Connection) (*ConnectResult, error) {
	if !util.IsValidUUID(deviceID) {
		return nil, apperrors.DeviceNotFound()
	}
	device, err := s.deviceRepo.FindByID(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		return nil, apperrors.DeviceNotFound()
	}

	s.registry.Upsert(device.ID, conn.ID())
	if err := conn.JoinGroup(ctx, device.ID); err != nil {
		log.Warn().Err(err).Str("deviceId", device.ID).Msg("failed to join device group")
	}
	if err := s.deviceRepo.UpdateStatus(ctx, device.ID, model.DeviceStatusOnline); err != nil {
		log.Error().Err(err).Str("deviceId", device.ID).Msg("failed to mark device online")
	}
	s.metrics.SetConnectedDevices(s.registry.Count())

	log.Info().
		Str("deviceId", device.ID).
		Str("connectionId", conn.ID()).
		Msg("device connected")

	return &ConnectResult{DeviceID: device.ID, ConnectionID: conn.ID()}, nil
}

// Disconnect drops the session served by the connection, if any. Ownership
// is unaffected.
func (s *DeviceService) Disconnect(ctx context.Context, connectionID string) {
	deviceID, ok := s.registry.Remove(connectionID)
	s.metrics.SetConnectedDevices(s.registry.Count())
	if !ok {
		return
	}
	// another connection may already serve the device
	if _, live := s.registry.Get(deviceID); live {
		return
	}

	if err := s.deviceRepo.UpdateStatus(ctx, deviceID, model.DeviceStatusOffline); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to mark device offline")
	}
	log.Info().
		Str("deviceId", deviceID).
		Str("connectionId", connectionID).
		Msg("device disconnected")
}

func (s *DeviceService) Status(deviceID string) DeviceStatus {
	status := DeviceStatus{DeviceID: deviceID}
	if session, ok := s.registry.Get(deviceID); ok {
		connectedAt := session.ConnectedAt
		status.IsConnected = true
		status.ConnectedAt = &connectedAt
	}
	return status
}

func (s *DeviceService) ListConnected() []registry.Session {
	return s.registry.List()
}

// ListOwned returns the account's devices with their live status.
func (s *DeviceService) ListOwned(ctx context.Context, accountID string) ([]OwnedDevice, error) {
	devices, err := s.deviceRepo.FindByAccountID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	owned := make([]OwnedDevice, 0, len(devices))
	for _, d := range devices {
		status := s.Status(d.ID)
		owned = append(owned, OwnedDevice{
			Device:      d,
			IsConnected: status.IsConnected,
			ConnectedAt: status.ConnectedAt,
		})
	}
	return owned, nil
}

// GetOwned returns the device if it belongs to the account. Devices of other
// accounts are reported as not found.
func (s *DeviceService) GetOwned(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	if !util.IsValidUUID(deviceID) {
		return nil, apperrors.DeviceNotFound()
	}
	device, err := s.deviceRepo.FindByID(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil || !device.OwnedBy(accountID) {
		return nil, apperrors.DeviceNotFound()
	}
	return device, nil
}
