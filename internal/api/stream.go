package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream message types.
const (
	StreamTypeStatus = "status"
	StreamTypeEvent  = "event"
)

const streamWriteTimeout = 5 * time.Second

// StreamMessage is the envelope sent to stream subscribers. Exactly one of
// Status and Event is set, matching Type.
type StreamMessage struct {
	Type      string                   `json:"type"`
	Status    *domain.AggregatedStatus `json:"status,omitempty"`
	Event     *domain.PanelEvent       `json:"event,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// streamClient is one websocket subscriber. The mutex serializes writes;
// gorilla connections allow only one concurrent writer.
type streamClient struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

// StreamHub tracks websocket subscribers and fans engine output out to them.
type StreamHub struct {
	upgrader websocket.Upgrader
	clients  map[*streamClient]struct{}
	mutex    sync.RWMutex
	logger   zerolog.Logger
}

// NewStreamHub creates an empty hub.
func NewStreamHub(logger zerolog.Logger) *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
		logger:  logger.With().Str("component", "stream").Logger(),
	}
}

// accept upgrades an HTTP request and registers the connection.
func (h *StreamHub) accept(w http.ResponseWriter, r *http.Request) (*streamClient, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return nil, err
	}

	client := &streamClient{conn: conn}

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mutex.Unlock()

	metrics.StreamClients.Set(float64(count))
	h.logger.Debug().
		Str("remote_addr", r.RemoteAddr).
		Int("clients", count).
		Msg("Stream subscriber connected")

	return client, nil
}

// readLoop consumes inbound frames until the peer goes away. Subscribers
// are write-only; anything they send is discarded.
func (h *StreamHub) readLoop(client *streamClient) {
	defer h.remove(client)

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// remove unregisters a client and closes its connection.
func (h *StreamHub) remove(client *streamClient) {
	h.mutex.Lock()
	_, exists := h.clients[client]
	if exists {
		delete(h.clients, client)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	if !exists {
		return
	}

	_ = client.conn.Close()
	metrics.StreamClients.Set(float64(count))
	h.logger.Debug().Int("clients", count).Msg("Stream subscriber disconnected")
}

// BroadcastStatus sends an aggregated status update to every subscriber.
func (h *StreamHub) BroadcastStatus(status domain.AggregatedStatus) {
	h.broadcast(StreamMessage{
		Type:      StreamTypeStatus,
		Status:    &status,
		Timestamp: time.Now(),
	})
}

// BroadcastEvent sends a panel event to every subscriber.
func (h *StreamHub) BroadcastEvent(event domain.PanelEvent) {
	h.broadcast(StreamMessage{
		Type:      StreamTypeEvent,
		Event:     &event,
		Timestamp: time.Now(),
	})
}

// broadcast marshals the message once and writes it to every subscriber,
// dropping clients whose connection has gone away.
func (h *StreamHub) broadcast(msg StreamMessage) {
	h.mutex.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	if len(clients) == 0 {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal stream message")
		return
	}

	var dropped []*streamClient
	for _, client := range clients {
		if err := h.writeTo(client, payload); err != nil {
			if !isStreamClosedError(err) {
				h.logger.Warn().Err(err).Msg("Stream write failed")
			}
			dropped = append(dropped, client)
		}
	}

	for _, client := range dropped {
		h.remove(client)
	}
}

// sendTo writes one message to a single subscriber.
func (h *StreamHub) sendTo(client *streamClient, msg StreamMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal stream message")
		return
	}

	if err := h.writeTo(client, payload); err != nil {
		h.remove(client)
	}
}

func (h *StreamHub) writeTo(client *streamClient, payload []byte) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return client.conn.WriteMessage(websocket.TextMessage, payload)
}

// ClientCount returns the number of connected subscribers.
func (h *StreamHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every subscriber with a going-away close frame.
func (h *StreamHub) CloseAll() {
	h.mutex.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*streamClient]struct{})
	h.mutex.Unlock()

	for _, client := range clients {
		client.mutex.Lock()
		_ = client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = client.conn.Close()
		client.mutex.Unlock()
	}

	metrics.StreamClients.Set(0)
}

// isStreamClosedError reports whether the error means the peer is gone.
func isStreamClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		strings.Contains(err.Error(), "close sent") ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
