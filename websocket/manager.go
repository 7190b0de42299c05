package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"tably/chat"
	"tably/middleware"
	"tably/models"
	"tably/notify"
	"tably/store"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProfileResolver looks up the connecting user's identity.
type ProfileResolver func(ctx context.Context, userID primitive.ObjectID) (models.Profile, error)

// Manager owns the connected websocket clients. Each client carries its own
// conversation sessions and notification consumer; the manager only tracks
// membership and drives the register/unregister loop.
type Manager struct {
	messages      store.MessageStore
	notifications store.NotificationStore
	profiles      ProfileResolver

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

type Client struct {
	conn    *websocket.Conn
	userID  primitive.ObjectID
	profile models.Profile
	send    chan []byte
	manager *Manager

	mu       sync.Mutex
	sessions map[string]*chat.Session // conversation id hex -> session
	consumer *notify.Consumer
}

func NewManager(messages store.MessageStore, notifications store.NotificationStore, profiles ProfileResolver) *Manager {
	return &Manager{
		messages:      messages,
		notifications: notifications,
		profiles:      profiles,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
	}
}

func (m *Manager) Start() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			m.mu.Unlock()
			client.openNotifications()
			log.Printf("✅ WebSocket client registered. Total clients: %d", m.GetConnectedUsers())

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
			}
			m.mu.Unlock()
			client.teardown()
			log.Printf("❌ WebSocket client unregistered. Total clients: %d", m.GetConnectedUsers())
		}
	}
}

func (m *Manager) GetConnectedUsers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func WebSocketHandler(manager *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Token required", http.StatusUnauthorized)
			return
		}

		userIDStr, err := middleware.ParseToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		userID, err := primitive.ObjectIDFromHex(userIDStr)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		profile, err := manager.profiles(ctx, userID)
		cancel()
		if err != nil {
			http.Error(w, "Unknown user", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("❌ WebSocket upgrade failed: %v", err)
			return
		}

		client := &Client{
			conn:     conn,
			userID:   userID,
			profile:  profile,
			send:     make(chan []byte, 256),
			manager:  manager,
			sessions: make(map[string]*chat.Session),
		}

		manager.register <- client

		client.push("connected", map[string]interface{}{
			"userId": userID.Hex(),
			"time":   time.Now().Unix(),
		})

		go client.writePump()
		go client.readPump()
	}
}

// push marshals one typed event onto the client's send queue. A full queue
// drops the event; the next snapshot carries the complete state anyway.
func (c *Client) push(msgType string, payload interface{}) {
	data, err := json.Marshal(map[string]interface{}{
		"type":    msgType,
		"payload": payload,
	})
	if err != nil {
		log.Printf("❌ Error marshaling WebSocket message: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) openNotifications() {
	consumer := notify.NewConsumer(c.manager.notifications, c.userID, func(items []models.Notification, unread int) {
		c.push("notifications", map[string]interface{}{
			"items":  items,
			"unread": unread,
		})
	})
	c.mu.Lock()
	c.consumer = consumer
	c.mu.Unlock()
	consumer.Open()
}

// teardown closes every open session and the notification consumer.
func (c *Client) teardown() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*chat.Session)
	consumer := c.consumer
	c.consumer = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if consumer != nil {
		consumer.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.manager.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket read error: %v", err)
			}
			break
		}

		var data map[string]interface{}
		if err := json.Unmarshal(message, &data); err != nil {
			log.Printf("❌ WebSocket message unmarshal error: %v", err)
			continue
		}

		switch data["type"] {
		case "open_chat":
			c.handleOpenChat(data)
		case "close_chat":
			c.handleCloseChat(data)
		case "send":
			c.handleSend(data)
		case "send_media":
			c.handleSendMedia(data)
		case "retry":
			c.handleRetry(data)
		case "typing":
			c.handleTyping(data)
		case "foreground":
			c.handleForeground(data)
		case "react":
			c.handleReact(data)
		case "playback_start":
			c.handlePlayback(data, true)
		case "playback_stop":
			c.handlePlayback(data, false)
		case "ping":
			c.push("pong", map[string]interface{}{"time": time.Now().Unix()})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// --- payload helpers ---

func payloadOf(data map[string]interface{}) map[string]interface{} {
	payload, _ := data["payload"].(map[string]interface{})
	return payload
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

// session returns the open session for a conversation id, or nil.
func (c *Client) session(conversationID string) *chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[conversationID]
}

// --- message handlers ---

func (c *Client) handleOpenChat(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}

	var scope store.Scope
	if roomID := stringField(payload, "roomId"); roomID != "" {
		scope = store.RoomScope(roomID)
	} else {
		peerID, err := primitive.ObjectIDFromHex(stringField(payload, "peerId"))
		if err != nil {
			c.push("error", map[string]interface{}{"message": "Invalid peer ID"})
			return
		}
		scope = store.DirectScope(c.userID, peerID)
	}

	// The conversation id is resolved inside Open before the subscriptions
	// start, so the callback can read it off the session itself.
	var session *chat.Session
	session = chat.NewSession(c.manager.messages, c.profile, scope, func(snap chat.Snapshot) {
		id := session.Conversation().ID
		if id.IsZero() {
			return
		}
		c.push("chat_snapshot", snapshotPayload(id.Hex(), snap))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := session.Open(ctx)
	cancel()
	if err != nil {
		c.push("error", map[string]interface{}{"message": "Failed to open conversation"})
		return
	}

	id := session.Conversation().ID.Hex()

	c.mu.Lock()
	if existing, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		// Already open; keep the original session.
		existing.SetForeground(true)
		session.Close()
		c.push("chat_opened", map[string]interface{}{"conversationId": id})
		return
	}
	c.sessions[id] = session
	c.mu.Unlock()

	session.SetForeground(true)
	c.push("chat_opened", map[string]interface{}{"conversationId": id})
}

func (c *Client) handleCloseChat(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	id := stringField(payload, "conversationId")

	c.mu.Lock()
	session := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
}

func (c *Client) handleSend(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	session := c.session(stringField(payload, "conversationId"))
	if session == nil {
		return
	}

	var replyTo *models.ReplySnapshot
	if raw, ok := payload["replyTo"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err == nil {
			var snap models.ReplySnapshot
			if json.Unmarshal(encoded, &snap) == nil {
				replyTo = &snap
			}
		}
	}

	session.SendText(stringField(payload, "body"), replyTo)
}

func (c *Client) handleSendMedia(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	session := c.session(stringField(payload, "conversationId"))
	if session == nil {
		return
	}

	kind := models.MessageKind(stringField(payload, "kind"))
	if kind != models.KindImage && kind != models.KindVoice {
		return
	}
	duration, _ := payload["duration"].(float64)
	session.SendMedia(kind, stringField(payload, "url"), int(duration))
}

func (c *Client) handleRetry(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	if session := c.session(stringField(payload, "conversationId")); session != nil {
		session.Retry(stringField(payload, "localId"))
	}
}

func (c *Client) handleTyping(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	if session := c.session(stringField(payload, "conversationId")); session != nil {
		session.Input()
	}
}

func (c *Client) handleForeground(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	value, _ := payload["value"].(bool)
	if session := c.session(stringField(payload, "conversationId")); session != nil {
		session.SetForeground(value)
	}
}

func (c *Client) handleReact(data map[string]interface{}) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	session := c.session(stringField(payload, "conversationId"))
	if session == nil {
		return
	}

	messageID, err := primitive.ObjectIDFromHex(stringField(payload, "messageId"))
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.React(ctx, messageID, stringField(payload, "emoji")); err != nil {
		log.Printf("❌ Reaction failed for user %s: %v", c.userID.Hex(), err)
	}
}

func (c *Client) handlePlayback(data map[string]interface{}, start bool) {
	payload := payloadOf(data)
	if payload == nil {
		return
	}
	session := c.session(stringField(payload, "conversationId"))
	if session == nil {
		return
	}

	messageID := stringField(payload, "messageId")
	if start {
		session.StartPlayback(messageID)
	} else {
		session.StopPlayback(messageID)
	}
}

// --- snapshot serialization ---

func snapshotPayload(conversationID string, snap chat.Snapshot) map[string]interface{} {
	entries := make([]map[string]interface{}, len(snap.Entries))
	for i, e := range snap.Entries {
		summary := chat.AggregateReactions(e.Message.Reactions)
		entry := map[string]interface{}{
			"message": e.Message,
			"reactionSummary": map[string]interface{}{
				"distinct": summary.DistinctOrdered,
				"total":    summary.TotalCount,
			},
		}
		if e.LocalID != "" {
			entry["localId"] = e.LocalID
			entry["pending"] = e.Pending
			entry["failed"] = e.Failed
			if e.Failed {
				entry["failCause"] = e.FailCause
			}
		}
		entries[i] = entry
	}

	return map[string]interface{}{
		"conversationId": conversationID,
		"state":          snap.State.String(),
		"entries":        entries,
		"typers":         snap.Typers,
		"activePlayer":   snap.ActivePlayer,
		"stale":          snap.Stale,
	}
}
