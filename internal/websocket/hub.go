package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/beatgen/api/internal/model"
)

const (
	sendBuffer   = 32
	pingInterval = 30 * time.Second
)

// Client is one WebSocket subscriber to a job
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// NewClient creates a subscriber for jobID
func NewClient(jobID string, conn *websocket.Conn) *Client {
	return &Client{JobID: jobID, Conn: conn, Send: make(chan []byte, sendBuffer)}
}

// BroadcastMessage is an encoded event addressed to one job's subscribers
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// Hub fans job events out to the clients subscribed to that job
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stopped    chan struct{}

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, jobID)
			}
			h.mu.Unlock()
			close(h.stopped)
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "job_id", client.JobID)

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("client unsubscribed", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer; drop it rather than stall every other job.
					h.dropLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(client)
}

func (h *Hub) dropLocked(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client. After the hub stops the client's Send
// channel is closed immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// Subscribers returns how many clients follow jobID
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Notify broadcasts a job event. It never blocks; events are dropped when
// the hub is saturated.
func (h *Hub) Notify(event model.JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal job event", "job_id", event.JobID, "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: event.JobID, Message: data}:
	default:
		h.logger.Warn("event dropped, hub saturated", "job_id", event.JobID, "type", event.Type)
	}
}

// HandleConnection serves one subscriber until it disconnects. When initial
// is non-nil it is sent before any live event.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial *model.JobEvent) {
	client := NewClient(jobID, c)

	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			client.Send <- data
		}
	}

	h.Register(client)
	defer h.Unregister(client)

	done := make(chan struct{})
	defer close(done)
	pongs := make(chan struct{}, 1)
	pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})

	// Writer
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-done:
				return
			}
		}
	}()

	// Reader
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "job_id", jobID, "error", err)
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
