package wsapi

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Sender pushes one response envelope to one connection. Delivery is
// fire-and-forget: there is no queue or replay, so a message to a gone or
// saturated connection is dropped.
type Sender interface {
	Send(connID string, env Envelope) bool
}

// Notifier fans envelopes out to live websocket clients by connection id.
type Notifier struct {
	mu      sync.RWMutex
	clients map[string]*client
	log     *slog.Logger
}

func NewNotifier(log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		clients: make(map[string]*client),
		log:     log,
	}
}

func (n *Notifier) attach(c *client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[c.id] = c
}

func (n *Notifier) detach(connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.clients, connID)
}

func (n *Notifier) Send(connID string, env Envelope) bool {
	n.mu.RLock()
	c, ok := n.clients[connID]
	n.mu.RUnlock()
	if !ok {
		n.log.Debug("drop envelope for gone connection", "conn", connID, "type", env.Type)
		return false
	}

	payload, err := json.Marshal(env)
	if err != nil {
		n.log.Error("marshal envelope", "type", env.Type, "error", err)
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		// Slow consumer: drop rather than block the dispatching task.
		n.log.Warn("drop envelope for saturated connection", "conn", connID, "type", env.Type)
		return false
	}
}
