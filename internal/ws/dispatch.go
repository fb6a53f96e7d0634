package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/broadcast"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/httputil"
	"github.com/rdsconnect/screen-server/internal/service"
)

const handlerTimeout = 15 * time.Second

type handlerFunc func(c *Client, ctx context.Context, data json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	EventPairWithCode:    (*Client).pairWithCode,
	EventRequestPlaylist: (*Client).requestPlaylist,
	EventSwitchPlaylist:  (*Client).switchPlaylist,
	EventDeviceStatus:    (*Client).deviceStatus,
	EventConnectDevice:   (*Client).connectDevice,
	EventListDevices:     (*Client).listDevices,
	EventChangeContent:   (*Client).changeContent,
}

func (c *Client) handle(env Envelope) {
	h, ok := handlers[env.Event]
	if !ok {
		c.enqueue(errorEnvelope(env.Event, env.RequestID,
			apperrors.InvalidInput("event", "unknown event "+env.Event)))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, handlerTimeout)
	defer cancel()

	result, err := h(c, ctx, env.Data)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeDatabase || !apperrors.IsAppError(err) {
			log.Error().Err(err).Str("event", env.Event).Str("connectionId", c.id).Msg("websocket handler failed")
		}
		c.enqueue(errorEnvelope(env.Event, env.RequestID, err))
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.enqueue(errorEnvelope(env.Event, env.RequestID, apperrors.Internal("failed to encode response")))
		return
	}
	c.enqueue(Envelope{Event: env.Event + successSuffix, RequestID: env.RequestID, Data: data})
}

func errorEnvelope(event, requestID string, err error) Envelope {
	appErr := apperrors.Public(err)
	data, _ := json.Marshal(ErrorPayload{Code: appErr.Code, Error: appErr.Message, Details: appErr.Details})
	return Envelope{Event: event + errorSuffix, RequestID: requestID, Data: data}
}

func invalidFrame() error {
	return apperrors.InvalidInput("message", "expected a JSON envelope with an event")
}

func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperrors.ValidationError("Malformed payload")
	}
	return httputil.Validate(dst)
}

// requireAccount returns the authenticated account of the connection. A
// payload account, when given, must match it.
func (c *Client) requireAccount(claimed string) (string, error) {
	if c.accountID == "" {
		return "", apperrors.Unauthorized("This action requires an authenticated connection")
	}
	if claimed != "" && claimed != c.accountID {
		return "", apperrors.Forbidden("accountId does not match the authenticated account")
	}
	return c.accountID, nil
}

func (c *Client) pairWithCode(ctx context.Context, data json.RawMessage) (any, error) {
	var p pairPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	accountID, err := c.requireAccount(p.AccountID)
	if err != nil {
		return nil, err
	}

	result, err := c.gateway.pairer.Pair(ctx, service.PairRequest{Code: p.Code, AccountID: accountID, Conn: c})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) requestPlaylist(ctx context.Context, data json.RawMessage) (any, error) {
	var p devicePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gateway.content.RequestPlaylist(ctx, p.DeviceID)
}

func (c *Client) switchPlaylist(ctx context.Context, data json.RawMessage) (any, error) {
	var p switchPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	accountID, err := c.requireAccount("")
	if err != nil {
		return nil, err
	}
	if _, err := c.gateway.sessions.GetOwned(ctx, accountID, p.DeviceID); err != nil {
		return nil, err
	}
	return c.gateway.content.SwitchActivePlaylist(ctx, p.DeviceID, p.NewPlaylistID)
}

func (c *Client) changeContent(ctx context.Context, data json.RawMessage) (any, error) {
	var p changeContentPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	accountID, err := c.requireAccount("")
	if err != nil {
		return nil, err
	}
	if _, err := c.gateway.sessions.GetOwned(ctx, accountID, p.DeviceID); err != nil {
		return nil, err
	}
	if p.ContentType == "" {
		p.ContentType = "url"
	}

	event, err := broadcast.NewEvent(broadcast.EventContentChanged, ContentChanged{
		ContentType: p.ContentType,
		Content:     p.Content,
		Title:       p.Title,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, apperrors.Internal("failed to encode content")
	}
	if err := c.gateway.groups.Publish(ctx, p.DeviceID, event); err != nil {
		return nil, apperrors.Internal("failed to push content to device")
	}

	log.Info().
		Str("deviceId", p.DeviceID).
		Str("contentType", p.ContentType).
		Msg("content pushed to device")

	return contentChangeResult{DeviceID: p.DeviceID, ContentType: p.ContentType, Content: p.Content}, nil
}

func (c *Client) deviceStatus(_ context.Context, data json.RawMessage) (any, error) {
	var p devicePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gateway.sessions.Status(p.DeviceID), nil
}

func (c *Client) connectDevice(ctx context.Context, data json.RawMessage) (any, error) {
	var p devicePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gateway.sessions.Connect(ctx, p.DeviceID, c)
}

func (c *Client) listDevices(_ context.Context, _ json.RawMessage) (any, error) {
	if _, err := c.requireAccount(""); err != nil {
		return nil, err
	}
	sessions := c.gateway.sessions.ListConnected()
	resp := listDevicesResponse{Devices: make([]connectedDevice, 0, len(sessions))}
	for _, s := range sessions {
		resp.Devices = append(resp.Devices, connectedDevice{
			DeviceID:    s.DeviceID,
			ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
		})
	}
	resp.Count = len(resp.Devices)
	return resp, nil
}
