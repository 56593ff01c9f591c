package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/rs/zerolog/log"
)

// Payload is what a live connection receives for one notification.
type Payload struct {
	NotificationID uuid.UUID               `json:"id"`
	Type           db.NotificationType     `json:"type"`
	Title          string                  `json:"title"`
	Body           string                  `json:"body"`
	Priority       db.NotificationPriority `json:"priority"`
	Metadata       map[string]string       `json:"metadata"`
	CreatedAt      time.Time               `json:"created_at"`
}

// connBuffer bounds how many undrained payloads a connection may hold. A
// client that stops reading loses pushes beyond this; the persisted record
// is the catch-up path.
const connBuffer = 16

// Connection is one open live channel tied to exactly one recipient. The
// registry owns it for its lifetime: only Detach closes the event channel.
type Connection struct {
	recipientID string
	events      chan Payload
	closed      bool
	delivered   map[uuid.UUID]struct{} // notification ids already sent here
}

// Events is the stream the transport handler drains. It is closed by Detach.
func (c *Connection) Events() <-chan Payload {
	return c.events
}

func (c *Connection) RecipientID() string {
	return c.recipientID
}

type bucket struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
	dead  bool // removed from the registry map; attach must not reuse it
}

// Registry maintains the live recipient → connections mapping. It is the one
// shared mutable resource in the delivery core; each recipient gets its own
// bucket lock so unrelated recipients never contend.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[string]*bucket),
	}
}

// Attach registers a new live connection for the recipient and returns it.
// A recipient may hold any number of simultaneous connections.
func (r *Registry) Attach(recipientID string) *Connection {
	conn := &Connection{
		recipientID: recipientID,
		events:      make(chan Payload, connBuffer),
		delivered:   make(map[uuid.UUID]struct{}),
	}

	var total int
	for {
		r.mu.Lock()
		b, ok := r.buckets[recipientID]
		if !ok {
			b = &bucket{conns: make(map[*Connection]struct{})}
			r.buckets[recipientID] = b
		}
		r.mu.Unlock()

		b.mu.Lock()
		if b.dead {
			// Lost a race with the last Detach; the bucket is gone from
			// the map. Take another one.
			b.mu.Unlock()
			continue
		}
		b.conns[conn] = struct{}{}
		total = len(b.conns)
		b.mu.Unlock()
		break
	}

	log.Debug().Str("recipient_id", recipientID).Int("connections", total).
		Msg("live connection attached")
	return conn
}

// Detach removes one connection and closes its event channel. Idempotent:
// detaching an already-removed connection is a no-op. The bucket mutex
// serializes Detach against Send, so a send never hits a closed channel.
func (r *Registry) Detach(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	b, ok := r.buckets[conn.recipientID]
	r.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	if _, live := b.conns[conn]; live {
		delete(b.conns, conn)
		conn.closed = true
		close(conn.events)
	}
	remaining := len(b.conns)
	b.mu.Unlock()

	if remaining == 0 {
		r.mu.Lock()
		// Re-check under the registry lock; an Attach may have raced in.
		b.mu.Lock()
		if len(b.conns) == 0 && r.buckets[conn.recipientID] == b {
			b.dead = true
			delete(r.buckets, conn.recipientID)
		}
		b.mu.Unlock()
		r.mu.Unlock()
	}

	log.Debug().Str("recipient_id", conn.recipientID).Int("connections", remaining).
		Msg("live connection detached")
}

// Send fans payload out to every currently-attached connection for the
// recipient and returns the count actually reached. Zero is not an error; it
// means nobody is listening and offline delivery applies. Each connection
// receives a given notification id at most once, and a connection whose
// buffer is full is skipped rather than blocked on.
func (r *Registry) Send(recipientID string, payload Payload) int {
	r.mu.RLock()
	b, ok := r.buckets[recipientID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	reached := 0

	b.mu.Lock()
	for conn := range b.conns {
		if conn.closed {
			continue
		}
		if _, dup := conn.delivered[payload.NotificationID]; dup {
			continue
		}

		select {
		case conn.events <- payload:
			conn.delivered[payload.NotificationID] = struct{}{}
			reached++
		default:
			// Buffer full: the client stopped draining. A local miss,
			// the persisted record remains the source of truth.
			log.Warn().Str("recipient_id", recipientID).
				Str("notification_id", payload.NotificationID.String()).
				Msg("live connection buffer full, push skipped")
		}
	}
	b.mu.Unlock()

	return reached
}

// Count returns the number of live connections for one recipient.
func (r *Registry) Count(recipientID string) int {
	r.mu.RLock()
	b, ok := r.buckets[recipientID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// RecipientCount returns how many recipients currently hold at least one
// live connection.
func (r *Registry) RecipientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
