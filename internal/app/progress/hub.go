// Package progress fans scan progress events out to websocket subscribers.
package progress

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

var _ scanning.ProgressBroadcaster = (*Hub)(nil)

const (
	defaultBuffer = 16
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
)

type subscriber struct {
	events chan scanning.ProgressEvent
}

// Hub keeps per-scan subscriber sets. Broadcast never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}

	buffer   int
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber event buffer.
func WithBuffer(n int) HubOption { return func(h *Hub) { h.buffer = n } }

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub creates an empty Hub.
func NewHub(log *logger.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
		buffer: defaultBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log.With("component", "progress_hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Broadcast delivers evt to the current subscribers of its scan.
func (h *Hub) Broadcast(ctx context.Context, evt scanning.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[evt.ScanID] {
		select {
		case sub.events <- evt:
		default:
			h.logger.Debug(ctx, "subscriber lagging, event dropped", "scan_id", evt.ScanID.String())
		}
	}
}

// Subscribe registers interest in scanID. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (h *Hub) Subscribe(scanID uuid.UUID) (<-chan scanning.ProgressEvent, func()) {
	sub := &subscriber{events: make(chan scanning.ProgressEvent, h.buffer)}

	h.mu.Lock()
	if h.subs[scanID] == nil {
		h.subs[scanID] = make(map[*subscriber]struct{})
	}
	h.subs[scanID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[scanID], sub)
			if len(h.subs[scanID]) == 0 {
				delete(h.subs, scanID)
			}
			h.mu.Unlock()
			close(sub.events)
		})
	}
}

// Subscribers returns the number of subscribers of scanID.
func (h *Hub) Subscribers(scanID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[scanID])
}

// Serve upgrades the request to a websocket and streams the events of
// scanID until the scan reaches a terminal status, the client goes away or
// ctx ends. Authorization is the caller's job.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, scanID uuid.UUID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, cancel := h.Subscribe(scanID)
	defer cancel()

	log := h.logger.With("scan_id", scanID.String())
	log.Debug(ctx, "stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return closeStream(conn, websocket.CloseGoingAway, "server shutting down")
		case <-closed:
			log.Debug(ctx, "stream closed by client")
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return err
			}
			if evt.Status.IsTerminal() {
				return closeStream(conn, websocket.CloseNormalClosure, string(evt.Status))
			}
		}
	}
}

func closeStream(conn *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
