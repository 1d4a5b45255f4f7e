package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin check; localhost allowed for development proxies.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == host
		}
		return false
	},
}

// WSMessage is a topic-based message sent to clients.
type WSMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSManager fans state-store changes and apply outcomes out to
// connected websocket clients.
type WSManager struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
	log        *logging.Logger
	cancel     context.CancelFunc
}

// NewWSManager starts the fan-out loops.
func NewWSManager(store state.Store, log *logging.Logger) *WSManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &WSManager{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log,
		cancel:     cancel,
	}
	go m.run(ctx)
	go m.watchStore(ctx, store)
	return m
}

func (m *WSManager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-m.register:
			m.mutex.Lock()
			m.clients[client] = true
			m.mutex.Unlock()
		case client := <-m.unregister:
			m.mutex.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				client.conn.Close()
			}
			m.mutex.Unlock()
		}
	}
}

// watchStore republishes every state store change on the "state" topic.
func (m *WSManager) watchStore(ctx context.Context, store state.Store) {
	for ch := range store.Subscribe(ctx) {
		m.Publish("state", ch)
	}
}

// Publish sends a message to all connected clients. Slow clients are
// skipped rather than blocking the fan-out.
func (m *WSManager) Publish(topic string, data any) {
	msgBytes, err := json.Marshal(WSMessage{Topic: topic, Data: data})
	if err != nil {
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for client := range m.clients {
		select {
		case client.send <- msgBytes:
		default:
		}
	}
}

// Close disconnects all clients and stops the loops. Pump goroutines
// still draining see the done channel instead of blocking on a
// register/unregister nobody serves anymore.
func (m *WSManager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.done)
		m.mutex.Lock()
		defer m.mutex.Unlock()
		for client := range m.clients {
			close(client.send)
			client.conn.Close()
			delete(m.clients, client)
		}
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "client", getClientIP(r))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	select {
	case s.wsManager.register <- client:
	case <-s.wsManager.done:
		conn.Close()
		return
	}

	go s.wsManager.writePump(client)
	s.wsManager.readPump(client)
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

func (m *WSManager) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are
// processed; inbound payloads are ignored.
func (m *WSManager) readPump(c *wsClient) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
			c.conn.Close()
		}
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
