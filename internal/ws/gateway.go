// Package ws is the persistent connection screens and controllers use to
// pair, fetch content and receive group pushes.
package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/broadcast"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/middleware"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/registry"
	"github.com/rdsconnect/screen-server/internal/service"
)

type Pairer interface {
	Pair(ctx context.Context, req service.PairRequest) (*service.PairResult, error)
}

type Content interface {
	RequestPlaylist(ctx context.Context, deviceID string) (*service.DevicePlaylist, error)
	SwitchActivePlaylist(ctx context.Context, deviceID, playlistID string) (*service.DevicePlaylist, error)
}

type Sessions interface {
	Connect(ctx context.Context, deviceID string, conn service.Connection) (*service.ConnectResult, error)
	Disconnect(ctx context.Context, connectionID string)
	Status(deviceID string) service.DeviceStatus
	ListConnected() []registry.Session
	GetOwned(ctx context.Context, accountID, deviceID string) (*model.Device, error)
}

type Groups interface {
	Subscribe(ctx context.Context, deviceID string) (*broadcast.Subscriber, error)
	Unsubscribe(sub *broadcast.Subscriber)
	Publish(ctx context.Context, deviceID string, event broadcast.Event) error
}

type Gateway struct {
	upgrader websocket.Upgrader
	pairer   Pairer
	content  Content
	sessions Sessions
	groups   Groups
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*Client
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewGateway builds the gateway. An empty allowedOrigins accepts any
// origin, which is what screens without a browser send.
func NewGateway(
	allowedOrigins []string,
	pairer Pairer,
	content Content,
	sessions Sessions,
	groups Groups,
	m *metrics.Metrics,
) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		pairer:   pairer,
		content:  content,
		sessions: sessions,
		groups:   groups,
		metrics:  m,
		clients:  make(map[string]*Client),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return g
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	accountID := ""
	if account := middleware.GetAccount(r.Context()); account != nil {
		accountID = account.ID
	}

	client := newClient(g, conn, uuid.NewString(), accountID)
	g.register(client)

	log.Info().
		Str("connectionId", client.id).
		Str("accountId", accountID).
		Str("remoteAddr", r.RemoteAddr).
		Msg("websocket connected")

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	g.metrics.ConnectionOpened()
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	_, ok := g.clients[c.id]
	delete(g.clients, c.id)
	g.mu.Unlock()
	if ok {
		g.metrics.ConnectionClosed()
	}
}

func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown closes every open connection.
func (g *Gateway) Shutdown() {
	g.cancel()

	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
