package httpbridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types pushed to subscribers.
const (
	EventLocationReceived = "location_received"
	EventRetentionChanged = "retention_changed"
	EventSyncCompleted    = "sync_completed"

	// AllEvents subscribes a client to every event type.
	AllEvents = "*"
)

// Event is a notification pushed to websocket and SSE subscribers.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

// Client is one connected subscriber.
type Client struct {
	ID        string
	EventType string     // Event type to receive, or AllEvents
	Channel   chan Event // Buffered; events are dropped when it is full
}

// Broadcaster fans events out to connected subscribers.
type Broadcaster struct {
	clients map[string]*Client
	mutex   sync.RWMutex
	now     func() time.Time
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// AddClient registers a subscriber for eventType.
func (b *Broadcaster) AddClient(eventType string) *Client {
	if eventType == "" {
		eventType = AllEvents
	}
	client := &Client{
		ID:        uuid.New().String(),
		EventType: eventType,
		Channel:   make(chan Event, 16),
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.clients[client.ID] = client

	return client
}

// RemoveClient unregisters a subscriber and closes its channel.
func (b *Broadcaster) RemoveClient(clientID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if client, exists := b.clients[clientID]; exists {
		close(client.Channel)
		delete(b.clients, clientID)
	}
}

// ClientCount returns the number of connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.clients)
}

// Broadcast sends an event to every subscriber of its type. Slow subscribers
// miss events rather than block the sender.
func (b *Broadcaster) Broadcast(eventType string, data any) {
	event := Event{Type: eventType, Data: data, Time: b.now().UTC()}

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, client := range b.clients {
		if client.EventType != eventType && client.EventType != AllEvents {
			continue
		}
		select {
		case client.Channel <- event:
		default:
		}
	}
}
