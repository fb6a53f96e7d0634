package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/broadcast"
	"github.com/rdsconnect/screen-server/internal/httputil"
	"github.com/rdsconnect/screen-server/internal/middleware"
	"github.com/rdsconnect/screen-server/internal/model"
)

const HeartbeatInterval = 30 * time.Second

type GroupSubscriber interface {
	Subscribe(ctx context.Context, deviceID string) (*broadcast.Subscriber, error)
	Unsubscribe(sub *broadcast.Subscriber)
}

type OwnedDeviceLookup interface {
	GetOwned(ctx context.Context, accountID, deviceID string) (*model.Device, error)
}

// EventsHandler streams a device's group events to its owner as SSE.
type EventsHandler struct {
	groups    GroupSubscriber
	devices   OwnedDeviceLookup
	heartbeat time.Duration
}

func NewEventsHandler(groups GroupSubscriber, devices OwnedDeviceLookup) *EventsHandler {
	return &EventsHandler{
		groups:    groups,
		devices:   devices,
		heartbeat: HeartbeatInterval,
	}
}

// GET /v1/devices/{deviceID}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	if _, err := h.devices.GetOwned(ctx, account.ID, deviceID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	sub, err := h.groups.Subscribe(ctx, deviceID)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to subscribe to device group")
		httputil.WriteError(w, err)
		return
	}
	defer h.groups.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().
		Str("deviceId", deviceID).
		Str("accountId", account.ID).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", map[string]string{"deviceId": deviceID}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("deviceId", deviceID).Msg("sse connection closed by client")
			return

		case <-sub.Done:
			log.Info().Str("deviceId", deviceID).Msg("sse connection closed by broker")
			return

		case event := <-sub.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("deviceId", deviceID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, broadcast.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event broadcast.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
