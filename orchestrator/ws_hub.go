package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/events"
	"github.com/itskum47/FlowForge/orchestrator/observability"
)

const (
	maxWSConnections = 200
	wsWriteDeadline  = 5 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// The dashboard is served from anywhere during development; the API
	// carries no credentials, so origin checks buy nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHub fans run events out to dashboard WebSocket clients. A single
// broadcaster goroutine owns the client set; handlers and publishers talk
// to it through channels so a slow client never wedges the caller. The
// hub is an events.Publisher, which is how terminal run events reach it.
type WSHub struct {
	log        *zap.Logger
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	feed       chan events.Event

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewWSHub(log *zap.Logger) *WSHub {
	return &WSHub{
		log:        log.Named("ws"),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		feed:       make(chan events.Event, 64),
		clients:    make(map[*websocket.Conn]struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx ends or Close is called.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.stop:
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("websocket connection rejected", zap.Int("max", maxWSConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			h.log.Debug("websocket client registered", zap.Int("total", total))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			h.log.Debug("websocket client unregistered", zap.Int("total", total))

		case ev := <-h.feed:
			h.broadcast(ev)
		}
	}
}

func (h *WSHub) broadcast(ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
			// The connection's read pump unregisters it; forcing the
			// deadline above already broke the socket.
			go h.Unregister(conn)
		}
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.WSClients.Set(0)
}

// Publish implements events.Publisher. Events are dropped when the feed
// is saturated; the socket stream is a convenience view, the store is the
// record.
func (h *WSHub) Publish(_ context.Context, ev events.Event) {
	select {
	case h.feed <- ev:
	case <-h.done:
	default:
		h.log.Warn("websocket feed saturated, dropping event",
			zap.Int64("metadata_id", ev.MetadataID))
	}
}

// Close implements events.Publisher: stops the loop and hangs up on
// every client. Safe to call more than once.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *WSHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

func (h *WSHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades the connection and parks it on the hub. The read
// pump exists to notice disconnects; clients never send anything we act
// on.
func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	a.hub.Register(conn)
	defer a.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}
