package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one push frame for the host UI.
type Event struct {
	Type    string `json:"type"` // ticket-info | branch-info | update | notification
	Payload any    `json:"payload"`
}

// UpdatePayload carries the periodic timer display state.
type UpdatePayload struct {
	Time      string `json:"time"`
	IsRunning bool   `json:"isRunning"`
}

// NotificationPayload carries a user-facing message.
type NotificationPayload struct {
	Level   string `json:"level"` // info | warning | error
	Message string `json:"message"`
}

// Broadcaster fans events out to connected SSE clients.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan Event]bool
	closed  bool
	logger  *zap.Logger

	heartbeat time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewBroadcaster creates a broadcaster with a heartbeat keeping idle
// connections alive.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	b := &Broadcaster{
		clients:   make(map[chan Event]bool),
		logger:    logger,
		heartbeat: 25 * time.Second,
		stopCh:    make(chan struct{}),
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.Publish(Event{Type: "heartbeat"})
			}
		}
	}()

	return b
}

// Publish sends an event to every connected client. Slow clients drop
// frames rather than blocking the publisher.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Notify is a Publish shorthand for notification events.
func (b *Broadcaster) Notify(level, message string) {
	b.Publish(Event{Type: "notification", Payload: NotificationPayload{Level: level, Message: message}})
}

// Subscribe registers a client channel.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.clients[ch] = true
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Close stops the heartbeat and disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.stopCh)
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// ServeHTTP streams events to one client until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				b.logger.Warn("failed to marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
