package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rdsconnect/screen-server/internal/httputil"
	"github.com/rdsconnect/screen-server/internal/middleware"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/service"
)

type DeviceDirectory interface {
	Check(ctx context.Context, code, name string) (*service.CheckResult, error)
	ListOwned(ctx context.Context, accountID string) ([]service.OwnedDevice, error)
	GetOwned(ctx context.Context, accountID, deviceID string) (*model.Device, error)
}

type PlaylistSwitcher interface {
	SwitchActivePlaylist(ctx context.Context, deviceID, playlistID string) (*service.DevicePlaylist, error)
}

type EntitlementReader interface {
	Snapshot(ctx context.Context, accountID string) (*model.Entitlement, error)
}

type DevicesHandler struct {
	devices      DeviceDirectory
	content      PlaylistSwitcher
	entitlements EntitlementReader
}

func NewDevicesHandler(devices DeviceDirectory, content PlaylistSwitcher, entitlements EntitlementReader) *DevicesHandler {
	return &DevicesHandler{
		devices:      devices,
		content:      content,
		entitlements: entitlements,
	}
}

// Routes are the account-scoped endpoints. They expect the auth middleware
// to have run.
func (h *DevicesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/devices", h.List)
	r.Post("/devices/{deviceID}/playlists/{playlistID}/activate", h.ActivatePlaylist)
	r.Get("/entitlements", h.Entitlements)

	return r
}

type checkRequest struct {
	Code string `json:"code" validate:"omitempty,len=9,numeric"`
	Name string `json:"name" validate:"max=100"`
}

// POST /v1/devices/check
// Called by players on boot to register themselves or look up their row.
func (h *DevicesHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.devices.Check(r.Context(), req.Code, req.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// GET /v1/devices
func (h *DevicesHandler) List(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())

	devices, err := h.devices.ListOwned(r.Context(), account.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// POST /v1/devices/{deviceID}/playlists/{playlistID}/activate
func (h *DevicesHandler) ActivatePlaylist(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	deviceID := chi.URLParam(r, "deviceID")
	playlistID := chi.URLParam(r, "playlistID")

	if _, err := h.devices.GetOwned(r.Context(), account.ID, deviceID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.content.SwitchActivePlaylist(r.Context(), deviceID, playlistID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v1/entitlements
func (h *DevicesHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())

	ent, err := h.entitlements.Snapshot(r.Context(), account.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId":          ent.AccountID,
		"mainSubscriptionId": ent.MainSubscriptionID,
		"currentMaxScreens":  ent.CurrentMaxScreens,
		"usedScreens":        ent.UsedScreens,
		"ownedDevices":       ent.OwnedDevices,
		"hasEntitlement":     ent.HasEntitlement(),
	})
}
