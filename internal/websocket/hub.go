package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"calltimer/internal/calls"
	"calltimer/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards may be served from anywhere; the feed carries no secrets
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const topicAll = "all"

// Message is what clients receive for every registry event
type Message struct {
	Type      calls.EventType `json:"type"`
	Data      calls.Event     `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type outbound struct {
	topic string
	data  []byte
}

// Client represents a WebSocket client connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool // "all" or "call:<id>"
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topicAll] || c.topics[topic]
}

// Hub maintains active WebSocket connections and fans out call events
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *logrus.Entry
}

// NewHub creates a new Hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logging.For("websocket"),
	}
}

// Run is the hub's main loop; it returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugf("client connected, total clients: %d", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugf("client disconnected, total clients: %d", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.subscribed(msg.topic) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run and closes every client
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// OnCallEvent implements calls.Listener. Events are dropped rather than
// blocking the registry when the hub is backed up.
func (h *Hub) OnCallEvent(ev calls.Event) {
	data, err := json.Marshal(Message{Type: ev.Type, Data: ev, Timestamp: ev.Time})
	if err != nil {
		h.log.WithError(err).Error("marshaling message")
		return
	}

	select {
	case h.broadcast <- outbound{topic: "call:" + ev.Call.CallID, data: data}:
	default:
		h.log.WithField("call_id", ev.Call.CallID).Warn("broadcast buffer full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and subscribes the client to all events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade error")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: map[string]bool{topicAll: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles subscribe/unsubscribe messages from the client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("read error")
			}
			break
		}

		var subMsg struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if json.Unmarshal(message, &subMsg) != nil || subMsg.Topic == "" {
			continue
		}
		c.mu.Lock()
		switch subMsg.Action {
		case "subscribe":
			c.topics[subMsg.Topic] = true
		case "unsubscribe":
			delete(c.topics, subMsg.Topic)
		}
		c.mu.Unlock()
	}
}

// writePump pumps messages to the WebSocket connection
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
