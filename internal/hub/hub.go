// Package hub fans out every ingested reading to live websocket subscribers.
//
// Delivery is at most once. Each subscriber owns a bounded buffer and
// Publish never waits on it: when the buffer is full the message is skipped
// for that subscriber only. New subscribers see only readings published
// after they joined.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/navid-fn/sensorhub/internal/metrics"
	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	WriteTimeout     = 10 * time.Second
	PongTimeout      = 60 * time.Second
	PingInterval     = (PongTimeout * 9) / 10
	DefaultBuffer    = 64
	maxInboundFrame  = 512
	handshakeTimeout = 10 * time.Second
)

// Message is the JSON frame sent for each reading. Absent values are omitted.
// A value is absent when it equals model.Missing (-999), so a device that
// really measures -999 has that value dropped from the frame as well.
type Message struct {
	Type       model.StreamType `json:"type"`
	Timestamp  int64            `json:"timestamp"`
	ReceivedAt string           `json:"receivedAt"`
	DeviceID   string           `json:"deviceId"`
	Data       MessageData      `json:"data"`
}

type MessageData struct {
	Sensor1 *float64 `json:"sensor1,omitempty"`
	Sensor2 *float64 `json:"sensor2,omitempty"`
	Sensor3 *float64 `json:"sensor3,omitempty"`
	DevTemp *float64 `json:"devTemp,omitempty"`
	DevHumi *float64 `json:"devHumi,omitempty"`
}

// NewMessage builds the live frame for r.
func NewMessage(r model.Reading) Message {
	msg := Message{
		Type:       r.Stream,
		Timestamp:  r.DeviceTimestamp,
		ReceivedAt: model.FormatTime(r.ReceivedAt),
		DeviceID:   r.DeviceID,
		Data: MessageData{
			Sensor1: present(r.Channels[0]),
			Sensor2: present(r.Channels[1]),
			Sensor3: present(r.Channels[2]),
		},
	}
	if r.Stream == model.StreamTemperature {
		msg.Data.DevTemp = present(r.DevTemp)
		msg.Data.DevHumi = present(r.DevHumi)
	}
	return msg
}

func present(v float64) *float64 {
	if v == model.Missing {
		return nil
	}
	return &v
}

// Subscriber is one live consumer.
type Subscriber struct {
	ID   string
	send chan []byte
	once sync.Once
}

// C delivers encoded frames. It is closed on unsubscribe.
func (s *Subscriber) C() <-chan []byte {
	return s.send
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub is safe for concurrent use.
type Hub struct {
	buffer   int
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
}

// New creates a hub whose subscribers buffer up to buffer frames.
// checkOrigin may be nil to accept every origin.
func New(buffer int, checkOrigin func(r *http.Request) bool, logger logrus.FieldLogger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		buffer:  buffer,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      checkOrigin,
		},
		subs: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber. It returns nil after Close.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:   uuid.NewString(),
		send: make(chan []byte, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.subs[s.ID] = s
	h.metrics.SetSubscribers(len(h.subs))
	return s
}

// Unsubscribe removes s and closes its channel. Calling it twice is harmless.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		s.close()
	}
	h.metrics.SetSubscribers(len(h.subs))
	h.mu.Unlock()
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish implements ingest.Publisher.
func (h *Hub) Publish(r model.Reading) {
	frame, err := json.Marshal(NewMessage(r))
	if err != nil {
		h.logger.WithError(err).Warn("Failed to encode live message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.send <- frame:
		default:
			h.metrics.BroadcastDropped()
			h.logger.WithField("subscriber", s.ID).Debug("Subscriber buffer full, message dropped")
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		s.close()
	}
	h.metrics.SetSubscribers(0)
}

// ServeWS upgrades the request and streams frames until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	sub := h.Subscribe()
	if sub == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(WriteTimeout))
		conn.Close()
		return
	}

	log := h.logger.WithFields(logrus.Fields{"subscriber": sub.ID, "remote": r.RemoteAddr})
	log.Info("Live client connected")

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
	log.Info("Live client disconnected")
}

// readPump discards inbound frames and unsubscribes once the peer stops
// answering pings or closes the connection.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer h.Unsubscribe(sub)

	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unsubscribe(sub)
				return
			}
		}
	}
}
