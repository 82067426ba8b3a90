// Package websocket streams live map render commands to browsers. The Hub is
// the live map renderer: it keeps the current scene so that new clients start
// from a full snapshot and then follow incremental commands.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/belediye/bts/internal/geo"
	"github.com/belediye/bts/internal/metrics"
	"github.com/belediye/bts/internal/services/livemap"
	"github.com/gorilla/websocket"
)

const (
	MessageTypeScene        = "scene"
	MessageTypeMarkerAdd    = "marker_add"
	MessageTypeMarkerMove   = "marker_move"
	MessageTypeMarkerRemove = "marker_remove"
	MessageTypeTrailAdd     = "trail_add"
	MessageTypeTrailSet     = "trail_set"
	MessageTypeTrailRemove  = "trail_remove"
	MessageTypeFitBounds    = "fit_bounds"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Viewport struct {
	MinLat  float64 `json:"min_lat"`
	MinLon  float64 `json:"min_lon"`
	MaxLat  float64 `json:"max_lat"`
	MaxLon  float64 `json:"max_lon"`
	MaxZoom int     `json:"max_zoom"`
}

type Trail struct {
	UserID string          `json:"user_id"`
	Points []livemap.Point `json:"points"`
}

type Scene struct {
	Markers  []livemap.Marker `json:"markers"`
	Trails   []Trail          `json:"trails"`
	Viewport *Viewport        `json:"viewport"`
}

type Hub struct {
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	clients  map[*Client]bool
	ready    bool
	pending  []func()
	markers  map[string]livemap.Marker
	trails   map[string][]livemap.Point
	viewport *Viewport
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// доступ уже проверен auth middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		markers: make(map[string]livemap.Marker),
		trails:  make(map[string][]livemap.Point),
	}
}

var _ livemap.Renderer = (*Hub)(nil)

// Run marks the hub ready, fires OnReady callbacks and serves client
// registration until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ready = true
	fns := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			close(h.done)
			return ctx.Err()
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *Hub) OnReady(fn func()) {
	h.mu.Lock()
	if !h.ready {
		h.pending = append(h.pending, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// ServeWS upgrades the request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := newClient(h, conn)
	select {
	case h.register <- c:
		c.start()
	case <-h.done:
		_ = conn.Close()
	case <-r.Context().Done():
		_ = conn.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Scene returns the current scene ordered by user id.
func (h *Hub) Scene() Scene {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sceneLocked()
}

func (h *Hub) AddMarker(m livemap.Marker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers[m.UserID] = m
	h.emit(Message{Type: MessageTypeMarkerAdd, Data: m})
}

func (h *Hub) MoveMarker(m livemap.Marker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers[m.UserID] = m
	h.emit(Message{Type: MessageTypeMarkerMove, Data: m})
}

func (h *Hub) RemoveMarker(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.markers, userID)
	h.emit(Message{Type: MessageTypeMarkerRemove, Data: map[string]string{"user_id": userID}})
}

func (h *Hub) AddTrail(userID string, points []livemap.Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trails[userID] = points
	h.emit(Message{Type: MessageTypeTrailAdd, Data: Trail{UserID: userID, Points: points}})
}

func (h *Hub) SetTrail(userID string, points []livemap.Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trails[userID] = points
	h.emit(Message{Type: MessageTypeTrailSet, Data: Trail{UserID: userID, Points: points}})
}

func (h *Hub) RemoveTrail(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.trails, userID)
	h.emit(Message{Type: MessageTypeTrailRemove, Data: map[string]string{"user_id": userID}})
}

func (h *Hub) FitBounds(b geo.Bounds, maxZoom int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.viewport = &Viewport{MinLat: b.MinLat, MinLon: b.MinLon, MaxLat: b.MaxLat, MaxLon: b.MaxLon, MaxZoom: maxZoom}
	h.emit(Message{Type: MessageTypeFitBounds, Data: h.viewport})
}

func (h *Hub) sceneLocked() Scene {
	s := Scene{
		Markers: make([]livemap.Marker, 0, len(h.markers)),
		Trails:  make([]Trail, 0, len(h.trails)),
	}
	for _, id := range sortedKeys(h.markers) {
		s.Markers = append(s.Markers, h.markers[id])
	}
	for _, id := range sortedKeys(h.trails) {
		s.Trails = append(s.Trails, Trail{UserID: id, Points: h.trails[id]})
	}
	if h.viewport != nil {
		vp := *h.viewport
		s.Viewport = &vp
	}
	return s
}

// addClient регистрирует клиента и сразу кладёт ему снимок сцены, под тем же
// локом, что и команды рендера, чтобы ничего не потерять между ними.
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	c.send <- Message{Type: MessageTypeScene, Data: h.sceneLocked()}
	metrics.WebsocketClients.Set(float64(len(h.clients)))
	slog.Info("websocket client connected", "client_id", c.id, "total_clients", len(h.clients))
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebsocketClients.Set(float64(len(h.clients)))
	slog.Info("websocket client disconnected", "client_id", c.id, "total_clients", len(h.clients))
}

// emit рассылает команду всем клиентам. Клиент с переполненной очередью
// отключается: догнать сцену он сможет только переподключившись. Caller holds mu.
func (h *Hub) emit(msg Message) {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].seq < clients[j].seq })

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("websocket client too slow, dropping", "client_id", c.id)
			delete(h.clients, c)
			close(c.send)
		}
	}
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.WebsocketClients.Set(0)
	slog.Info("closed all websocket clients during shutdown")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
