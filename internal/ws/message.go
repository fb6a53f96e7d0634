package ws

import (
	"encoding/json"

	apperrors "github.com/rdsconnect/screen-server/internal/errors"
)

const (
	EventPairWithCode    = "pair-with-code"
	EventRequestPlaylist = "request-playlist"
	EventSwitchPlaylist  = "switch-playlist"
	EventDeviceStatus    = "device-status"
	EventConnectDevice   = "connect-device"
	EventListDevices     = "list-devices"
	EventChangeContent   = "change-content"

	successSuffix = "-success"
	errorSuffix   = "-error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    apperrors.ErrorCode `json:"code"`
	Error   string              `json:"error"`
	Details any                 `json:"details,omitempty"`
}

type pairPayload struct {
	Code      string `json:"code" validate:"required"`
	AccountID string `json:"accountId" validate:"omitempty,uuid"`
}

type devicePayload struct {
	DeviceID string `json:"deviceId" validate:"required"`
}

type switchPayload struct {
	DeviceID      string `json:"deviceId" validate:"required"`
	NewPlaylistID string `json:"newPlaylistId" validate:"required"`
}

type changeContentPayload struct {
	DeviceID    string `json:"deviceId" validate:"required"`
	ContentType string `json:"contentType" validate:"omitempty,max=32"`
	Content     string `json:"content" validate:"required,max=2048"`
	Title       string `json:"title" validate:"omitempty,max=200"`
}

// ContentChanged is pushed to the device group for ad-hoc content shown
// outside any playlist.
type ContentChanged struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Title       string `json:"title,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type contentChangeResult struct {
	DeviceID    string `json:"deviceId"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type connectedDevice struct {
	DeviceID    string `json:"deviceId"`
	ConnectedAt string `json:"connectedAt"`
}

type listDevicesResponse struct {
	Devices []connectedDevice `json:"devices"`
	Count   int               `json:"count"`
}
