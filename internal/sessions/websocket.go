// Package sessions keeps the per-user websocket connections and pushes
// controller events to them.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/metrics"
	"safetalk-backend/internal/presence"
	"safetalk-backend/internal/storage"
)

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
	maxFrameSize = 8 << 10
)

var upgrader = websocket.Upgrader{
	// Clients are mobile apps; browsers are not a supported origin.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Profiles interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*storage.Profile, error)
}

type Presence interface {
	Connect(ctx context.Context, rec presence.Record) (disconnect func(), err error)
	Heartbeat(ctx context.Context, userID uuid.UUID) error
}

// EventBus carries user events between instances.
type EventBus interface {
	PublishUserEvent(ctx context.Context, userID uuid.UUID, payload []byte) error
	SubscribeUserEvents(ctx context.Context, userID uuid.UUID) (*redis.PubSub, error)
}

type Partners interface {
	PartnerOf(userID uuid.UUID) (uuid.UUID, bool)
}

type WSMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionMetrics struct {
	UserID       uuid.UUID `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastPong     time.Time `json:"last_pong"`
	MessagesSent int64     `json:"messages_sent"`
	MessagesRecv int64     `json:"messages_recv"`
	Dropped      int64     `json:"dropped"`
	ClientIP     string    `json:"client_ip"`
}

type client struct {
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	closeOnce sync.Once
	metrics   ConnectionMetrics
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// WSManager holds at most one connection per user; a new connection
// replaces the old one.
type WSManager struct {
	profiles     Profiles
	presence     Presence
	bus          EventBus
	partners     Partners
	pingInterval time.Duration
	readTimeout  time.Duration
	onDisconnect func(uuid.UUID)

	mu      sync.RWMutex
	clients map[uuid.UUID]*client
}

// NewWSManager creates a manager. Without a bus events only reach
// connections on this instance.
func NewWSManager(profiles Profiles, presence Presence, bus EventBus, pingInterval time.Duration) *WSManager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WSManager{
		profiles:     profiles,
		presence:     presence,
		bus:          bus,
		pingInterval: pingInterval,
		readTimeout:  2 * pingInterval,
		clients:      make(map[uuid.UUID]*client),
	}
}

// OnDisconnect registers fn to run after the user's current connection
// goes away. It is not called when a newer connection replaced it.
func (wm *WSManager) OnDisconnect(fn func(uuid.UUID)) {
	wm.onDisconnect = fn
}

// RelayVia enables message relay between chat partners.
func (wm *WSManager) RelayVia(p Partners) {
	wm.partners = p
}

func (wm *WSManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	profile, err := wm.profiles.GetProfile(r.Context(), userID)
	if errors.Is(err, storage.ErrProfileNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("user", userID).Error("[WS] profile lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("user", userID).Warn("[WS] upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan WSMessage, sendBuffer),
		done: make(chan struct{}),
		metrics: ConnectionMetrics{
			UserID:      userID,
			ConnectedAt: time.Now(),
			ClientIP:    clientIP(r),
		},
	}
	entry := log.WithFields(log.Fields{"user": userID, "ip": c.metrics.ClientIP})

	// Subscribe before registering so no event sent after registration is lost.
	var sub *redis.PubSub
	if wm.bus != nil {
		subCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sub, err = wm.bus.SubscribeUserEvents(subCtx, userID)
		cancel()
		if err != nil {
			entry.WithError(err).Warn("[WS] event subscription failed")
		} else {
			go wm.forward(c, sub)
		}
	}

	wm.register(userID, c)
	metrics.WSConnections.Inc()
	entry.Info("[WS] connected")

	disconnect, err := wm.presence.Connect(r.Context(), presence.Record{
		UserID:       userID,
		Username:     profile.Username,
		Role:         profile.Role,
		IsPremium:    profile.IsPremium,
		IsAmbassador: profile.IsAmbassador,
	})
	if err != nil {
		entry.WithError(err).Warn("[WS] presence registration failed")
		disconnect = func() {}
	}

	go wm.writeLoop(c)
	wm.readLoop(userID, c)

	if sub != nil {
		_ = sub.Close()
	}
	c.close()
	current := wm.unregister(userID, c)
	disconnect()
	metrics.WSConnections.Dec()

	m := wm.snapshot(c)
	entry.WithFields(log.Fields{
		"duration": time.Since(m.ConnectedAt).Round(time.Second),
		"sent":     m.MessagesSent,
		"recv":     m.MessagesRecv,
		"dropped":  m.Dropped,
	}).Info("[WS] disconnected")

	if current && wm.onDisconnect != nil {
		wm.onDisconnect(userID)
	}
}

func (wm *WSManager) register(userID uuid.UUID, c *client) {
	wm.mu.Lock()
	old := wm.clients[userID]
	wm.clients[userID] = c
	wm.mu.Unlock()

	if old != nil {
		log.WithField("user", userID).Info("[WS] replacing existing connection")
		old.close()
	}
}

// unregister reports whether c was still the user's current connection.
func (wm *WSManager) unregister(userID uuid.UUID, c *client) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.clients[userID] != c {
		return false
	}
	delete(wm.clients, userID)
	return true
}

func (wm *WSManager) readLoop(userID uuid.UUID, c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wm.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		wm.touch(c, func(m *ConnectionMetrics) { m.LastPong = time.Now() })
		wm.heartbeat(userID)
		return c.conn.SetReadDeadline(time.Now().Add(wm.readTimeout))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("user", userID).Debug("[WS] read failed")
			}
			return
		}
		wm.touch(c, func(m *ConnectionMetrics) { m.MessagesRecv++ })
		_ = c.conn.SetReadDeadline(time.Now().Add(wm.readTimeout))

		switch msg.Type {
		case "ping", "heartbeat":
			wm.heartbeat(userID)
			wm.enqueue(c, WSMessage{Type: "pong", Timestamp: time.Now().UTC()})
		case "message", "typing":
			wm.relay(userID, c, msg)
		default:
			log.WithFields(log.Fields{"user": userID, "type": msg.Type}).Debug("[WS] unknown client message")
		}
	}
}

// forward copies bus events for the user onto the connection.
func (wm *WSManager) forward(c *client, sub *redis.PubSub) {
	for m := range sub.Channel() {
		var msg WSMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			log.WithError(err).WithField("user", c.metrics.UserID).Warn("[WS] undecodable event")
			continue
		}
		wm.enqueue(c, msg)
	}
}

// relay passes a chat message to the sender's current human partner.
func (wm *WSManager) relay(userID uuid.UUID, c *client, msg WSMessage) {
	var partner uuid.UUID
	ok := false
	if wm.partners != nil {
		partner, ok = wm.partners.PartnerOf(userID)
	}
	if !ok {
		wm.enqueue(c, WSMessage{Type: "error", Data: map[string]any{"reason": "no_partner"}, Timestamp: time.Now().UTC()})
		return
	}
	wm.Notify(partner, msg.Type, msg.Data)
}

func (wm *WSManager) writeLoop(c *client) {
	ticker := time.NewTicker(wm.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
			wm.touch(c, func(m *ConnectionMetrics) { m.MessagesSent++ })
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (wm *WSManager) heartbeat(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wm.presence.Heartbeat(ctx, userID); err != nil && !errors.Is(err, presence.ErrNotConnected) {
		log.WithError(err).WithField("user", userID).Warn("[WS] presence heartbeat failed")
	}
}

// enqueue never blocks; a client too slow to drain its buffer loses events.
func (wm *WSManager) enqueue(c *client, msg WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		wm.touch(c, func(m *ConnectionMetrics) { m.Dropped++ })
		return false
	}
}

// Notify pushes an event to the user's connection, wherever it lives.
func (wm *WSManager) Notify(userID uuid.UUID, kind string, data any) {
	msg := WSMessage{Type: kind, Data: data, Timestamp: time.Now().UTC()}
	if wm.bus == nil {
		wm.deliver(userID, msg)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"user": userID, "type": kind}).Error("[WS] encoding event failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wm.bus.PublishUserEvent(ctx, userID, payload); err != nil {
		log.WithError(err).WithField("user", userID).Warn("[WS] publish failed, delivering locally")
		wm.deliver(userID, msg)
	}
}

func (wm *WSManager) deliver(userID uuid.UUID, msg WSMessage) {
	wm.mu.RLock()
	c, ok := wm.clients[userID]
	wm.mu.RUnlock()
	if !ok {
		return
	}
	if !wm.enqueue(c, msg) {
		log.WithFields(log.Fields{"user": userID, "type": msg.Type}).Warn("[WS] event dropped")
	}
}

func (wm *WSManager) IsConnected(userID uuid.UUID) bool {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	_, ok := wm.clients[userID]
	return ok
}

func (wm *WSManager) GetConnectionMetrics() []ConnectionMetrics {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make([]ConnectionMetrics, 0, len(wm.clients))
	for _, c := range wm.clients {
		out = append(out, c.metrics)
	}
	return out
}

// CloseAll drops every connection, used on shutdown.
func (wm *WSManager) CloseAll() {
	wm.mu.RLock()
	clients := make([]*client, 0, len(wm.clients))
	for _, c := range wm.clients {
		clients = append(clients, c)
	}
	wm.mu.RUnlock()
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		c.close()
	}
}

func (wm *WSManager) touch(c *client, fn func(*ConnectionMetrics)) {
	wm.mu.Lock()
	fn(&c.metrics)
	wm.mu.Unlock()
}

func (wm *WSManager) snapshot(c *client) ConnectionMetrics {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return c.metrics
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
