package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"github.com/stemforge/api/internal/model"
)

// Message types pushed to job subscribers
const (
	MessageTypeProgress = "progress"
	MessageTypeComplete = "complete"
	MessageTypeError    = "error"
)

// ProgressMessage is pushed while a job moves through the backend.
type ProgressMessage struct {
	Type          string              `json:"type"`
	JobID         string              `json:"jobId"`
	Status        model.JobStatus     `json:"status"`
	Progress      int                 `json:"progressPct"`
	RecoveryState model.RecoveryState `json:"recoveryState,omitempty"`
}

// CompleteMessage is pushed when a job reaches succeeded.
type CompleteMessage struct {
	Type        string   `json:"type"`
	JobID       string   `json:"jobId"`
	ArtifactIDs []string `json:"artifactIds"`
}

// ErrorMessage is pushed when a job reaches failed.
type ErrorMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// Client represents a WebSocket client subscribed to one job.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections grouped by job ID.
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu sync.RWMutex
}

type broadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.JobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.JobID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[msg.JobID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a new client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastProgress pushes a progress update to job subscribers.
func (h *Hub) BroadcastProgress(job *model.Job) {
	h.send(job.ID, ProgressMessage{
		Type:          MessageTypeProgress,
		JobID:         job.ID,
		Status:        job.Status,
		Progress:      job.Progress,
		RecoveryState: job.RecoveryState,
	})
}

// BroadcastComplete pushes a completion message to job subscribers.
func (h *Hub) BroadcastComplete(job *model.Job) {
	h.send(job.ID, CompleteMessage{
		Type:        MessageTypeComplete,
		JobID:       job.ID,
		ArtifactIDs: job.ArtifactIDs,
	})
}

// BroadcastError pushes a failure message to job subscribers.
func (h *Hub) BroadcastError(jobID, message string) {
	h.send(jobID, ErrorMessage{
		Type:    MessageTypeError,
		JobID:   jobID,
		Message: message,
	})
}

func (h *Hub) send(jobID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] failed to marshal message: %v", err)
		return
	}
	h.broadcast <- &broadcastMessage{JobID: jobID, Message: data}
}

// HandleConnection pumps messages to a subscriber until the socket closes.
func (h *Hub) HandleConnection(conn *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  conn,
		Send:  make(chan []byte, 16),
	}
	h.Register(client)
	defer h.Unregister(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
