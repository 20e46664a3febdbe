// Package broadcast fans real-time messages out to websocket clients.
//
// Each client subscribes to one topic when it connects. [TopicChanges]
// carries every persisted stock change; [SessionTopic] carries the pipeline
// outcomes of one session. Publishing never blocks: a client whose send
// queue is full is disconnected.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/larder/internal/mutation"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
)

// Compile-time check that *Hub satisfies [mutation.Notifier].
var _ mutation.Notifier = (*Hub)(nil)

// TopicChanges is the topic of stock change events.
const TopicChanges = "changes"

const (
	defaultQueueSize    = 32
	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Serve after Close.
var ErrClosed = errors.New("broadcast: hub closed")

// SessionTopic returns the topic of one session's outcomes.
func SessionTopic(sessionID string) string { return "session/" + sessionID }

// Message is the JSON frame written to clients.
type Message struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  any    `json:"data"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithQueueSize sets how many messages may wait for a client before it is
// dropped.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin clients whose host matches one of
// patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithMetrics tracks connected clients on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

type client struct {
	topic string
	send  chan Message
}

// Hub is safe for concurrent use.
type Hub struct {
	queue        int
	writeTimeout time.Duration
	origins      []string
	metrics      *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New creates an empty [Hub].
func New(opts ...Option) *Hub {
	h := &Hub{
		queue:        defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Notify publishes ev on [TopicChanges].
func (h *Hub) Notify(_ context.Context, ev inventory.ChangeEvent) {
	h.Publish(TopicChanges, "change", ev)
}

// Publish queues a message for every client subscribed to topic and
// returns how many received it.
func (h *Hub) Publish(topic, typ string, data any) int {
	msg := Message{Topic: topic, Type: typ, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients {
		if c.topic != topic {
			continue
		}
		select {
		case c.send <- msg:
			n++
		default:
			h.dropLocked(c)
			slog.Warn("broadcast: dropping slow client", slog.String("topic", topic))
		}
	}
	return n
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve upgrades the request to a websocket subscribed to topic and blocks
// until the client disconnects, is dropped or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, topic string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		return err
	}

	c := &client{topic: topic, send: make(chan Message, h.queue)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return ErrClosed
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.track(r.Context(), 1)

	// Clients only listen; CloseRead handles pings and the close handshake.
	ctx := conn.CloseRead(r.Context())
	defer h.remove(c)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow or hub closed")
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}

// dropLocked unregisters c and closes its queue. Caller holds h.mu.
func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.track(context.Background(), -1)
}

func (h *Hub) track(ctx context.Context, delta int64) {
	if h.metrics != nil {
		h.metrics.BroadcastClients.Add(ctx, delta)
	}
}
