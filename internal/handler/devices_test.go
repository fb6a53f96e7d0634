package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/service"
)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Check(ctx context.Context, code, name string) (*service.CheckResult, error) {
	args := m.Called(ctx, code, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CheckResult), args.Error(1)
}

func (m *mockDirectory) ListOwned(ctx context.Context, accountID string) ([]service.OwnedDevice, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).([]service.OwnedDevice), args.Error(1)
}

func (m *mockDirectory) GetOwned(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	args := m.Called(ctx, accountID, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Device), args.Error(1)
}

type mockSwitcher struct {
	mock.Mock
}

func (m *mockSwitcher) SwitchActivePlaylist(ctx context.Context, deviceID, playlistID string) (*service.DevicePlaylist, error) {
	args := m.Called(ctx, deviceID, playlistID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DevicePlaylist), args.Error(1)
}

type snapshotFunc func(ctx context.Context, accountID string) (*model.Entitlement, error)

func (f snapshotFunc) Snapshot(ctx context.Context, accountID string) (*model.Entitlement, error) {
	return f(ctx, accountID)
}

func TestDevicesHandler_Check(t *testing.T) {
	t.Run("creates a device", func(t *testing.T) {
		dir := new(mockDirectory)
		dir.On("Check", mock.Anything, "", "Lobby").
			Return(&service.CheckResult{Device: &model.Device{ID: deviceID, PairingCode: "123456789"}, IsNew: true}, nil)

		h := NewDevicesHandler(dir, nil, nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/check", strings.NewReader(`{"name":"Lobby"}`))
		rec := httptest.NewRecorder()
		h.Check(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"isNew":true`)
		dir.AssertExpectations(t)
	})

	t.Run("existing device returns 200", func(t *testing.T) {
		dir := new(mockDirectory)
		dir.On("Check", mock.Anything, "123456789", "").
			Return(&service.CheckResult{Device: &model.Device{ID: deviceID}}, nil)

		h := NewDevicesHandler(dir, nil, nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/check", strings.NewReader(`{"code":"123456789"}`))
		rec := httptest.NewRecorder()
		h.Check(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("empty body is accepted", func(t *testing.T) {
		dir := new(mockDirectory)
		dir.On("Check", mock.Anything, "", "").
			Return(&service.CheckResult{Device: &model.Device{ID: deviceID}, IsNew: true}, nil)

		h := NewDevicesHandler(dir, nil, nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/check", http.NoBody)
		rec := httptest.NewRecorder()
		h.Check(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("rejects malformed code", func(t *testing.T) {
		dir := new(mockDirectory)
		h := NewDevicesHandler(dir, nil, nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/check", strings.NewReader(`{"code":"12ab"}`))
		rec := httptest.NewRecorder()
		h.Check(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
		dir.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		h := NewDevicesHandler(new(mockDirectory), nil, nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/check", strings.NewReader(`{`))
		rec := httptest.NewRecorder()
		h.Check(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDevicesHandler_Routes(t *testing.T) {
	newServer := func(dir DeviceDirectory, sw PlaylistSwitcher, ent EntitlementReader) http.Handler {
		r := chi.NewRouter()
		r.Mount("/v1", NewDevicesHandler(dir, sw, ent).Routes())
		return withAccount(ownerID, r)
	}

	t.Run("lists owned devices", func(t *testing.T) {
		dir := new(mockDirectory)
		dir.On("ListOwned", mock.Anything, ownerID).Return([]service.OwnedDevice{
			{Device: model.Device{ID: deviceID, Name: "Lobby"}, IsConnected: true},
		}, nil)

		rec := httptest.NewRecorder()
		newServer(dir, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Devices []map[string]any `json:"devices"`
			Count   int              `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, true, body.Devices[0]["isConnected"])
	})

	t.Run("activates a playlist on an owned device", func(t *testing.T) {
		dir := new(mockDirectory)
		dir.On("GetOwned", mock.Anything, ownerID, deviceID).Return(&model.Device{ID: deviceID}, nil)
		sw := new(mockSwitcher)
		sw.On("SwitchActivePlaylist", mock.Anything, deviceID, "pl-2").Return(&service.DevicePlaylist{
			DeviceID:         deviceID,
			PlayableSequence: model.PlayableSequence{PlaylistID: "pl-2", PlaylistName: "Menu"},
		}, nil)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/"+deviceID+"/playlists/pl-2/activate", nil)
		newServer(dir, sw, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"playlistName":"Menu"`)
		sw.AssertExpectations(t)
	})

	t.Run("activation on a foreign device is not found", func(t *testing.T) {
		dir := new(mockDirectory)
		dir.On("GetOwned", mock.Anything, ownerID, deviceID).Return(nil, apperrors.DeviceNotFound())
		sw := new(mockSwitcher)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/"+deviceID+"/playlists/pl-2/activate", nil)
		newServer(dir, sw, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		sw.AssertNotCalled(t, "SwitchActivePlaylist", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unassigned playlist maps to 404", func(t *testing.T) {
		dir := new(mockDirectory)
		dir.On("GetOwned", mock.Anything, ownerID, deviceID).Return(&model.Device{ID: deviceID}, nil)
		sw := new(mockSwitcher)
		sw.On("SwitchActivePlaylist", mock.Anything, deviceID, "pl-x").Return(nil, apperrors.PlaylistNotAssigned())

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/"+deviceID+"/playlists/pl-x/activate", nil)
		newServer(dir, sw, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "PLAYLIST_NOT_ASSIGNED")
	})

	t.Run("returns the entitlement snapshot", func(t *testing.T) {
		mainID := "sub-1"
		ent := snapshotFunc(func(_ context.Context, accountID string) (*model.Entitlement, error) {
			return &model.Entitlement{
				AccountID:          accountID,
				MainSubscriptionID: &mainID,
				CurrentMaxScreens:  6,
				UsedScreens:        2,
				OwnedDevices:       2,
			}, nil
		})

		rec := httptest.NewRecorder()
		newServer(nil, nil, ent).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entitlements", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(6), body["currentMaxScreens"])
		assert.Equal(t, true, body["hasEntitlement"])
	})
}
