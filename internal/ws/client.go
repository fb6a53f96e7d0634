package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client is one websocket connection. Inbound frames are handled one at a
// time on the read goroutine; all writes go through the write goroutine.
type Client struct {
	id        string
	accountID string
	conn      *websocket.Conn
	gateway   *Gateway
	send      chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	groups map[string]*broadcast.Subscriber

	closeOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, id, accountID string) *Client {
	ctx, cancel := context.WithCancel(g.ctx)
	return &Client{
		id:        id,
		accountID: accountID,
		conn:      conn,
		gateway:   g,
		send:      make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		groups:    make(map[string]*broadcast.Subscriber),
	}
}

func (c *Client) ID() string {
	return c.id
}

// JoinGroup subscribes the connection to the device's group. Joining a
// group twice is a no-op.
func (c *Client) JoinGroup(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	if _, ok := c.groups[deviceID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.gateway.groups.Subscribe(ctx, deviceID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.groups[deviceID]; ok || c.ctx.Err() != nil {
		c.mu.Unlock()
		c.gateway.groups.Unsubscribe(sub)
		return nil
	}
	c.groups[deviceID] = sub
	c.mu.Unlock()

	go c.forward(sub)
	return nil
}

func (c *Client) forward(sub *broadcast.Subscriber) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-sub.Done:
			return
		case event := <-sub.Events:
			c.enqueue(Envelope{Event: event.Type, Data: event.Data})
		}
	}
}

func (c *Client) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("failed to marshal websocket frame")
		return
	}

	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.gateway.metrics.BroadcastDropped("slow_client")
		log.Warn().
			Str("connectionId", c.id).
			Str("event", env.Event).
			Msg("send buffer full, dropping frame")
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connectionId", c.id).Msg("websocket read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.enqueue(errorEnvelope("message", "", invalidFrame()))
			continue
		}

		c.handle(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("connectionId", c.id).Msg("websocket write error")
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// close tears the connection down once: it leaves every group, drops the
// live session and stops both pumps.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		subs := make([]*broadcast.Subscriber, 0, len(c.groups))
		for _, sub := range c.groups {
			subs = append(subs, sub)
		}
		c.groups = make(map[string]*broadcast.Subscriber)
		c.mu.Unlock()

		for _, sub := range subs {
			c.gateway.groups.Unsubscribe(sub)
		}

		c.gateway.sessions.Disconnect(context.Background(), c.id)
		c.gateway.unregister(c)
		c.conn.Close()

		log.Info().Str("connectionId", c.id).Msg("websocket disconnected")
	})
}
