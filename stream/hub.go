// Package stream holds the latest odometry record and fans it out to websocket subscribers.
// Subscribers only ever see the newest record; nothing is queued or persisted.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.viam.com/rdk/logging"

	"fiducialodom/fusion"
	"fiducialodom/utils"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Message is the wire form of an odometry record.
type Message struct {
	FrameID      string         `json:"frame_id"`
	ChildFrameID string         `json:"child_frame_id"`
	Timestamp    string         `json:"timestamp"`
	Source       string         `json:"source"`
	Pose         utils.PoseData `json:"pose"`
	Covariance   []float64      `json:"covariance"`
}

// NewMessage converts a record to its wire form.
func NewMessage(record fusion.OdometryRecord) Message {
	return Message{
		FrameID:      record.FrameID,
		ChildFrameID: record.ChildFrameID,
		Timestamp:    record.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:       record.Source,
		Pose:         utils.PoseDataFromParts(record.Position, record.Orientation),
		Covariance:   utils.CovarianceRowMajor(record.Covariance),
	}
}

type subscriber struct {
	writeMu sync.Mutex
	binary  bool
}

// Hub is a last-value-wins odometry store. It implements estimator.Publisher.
type Hub struct {
	logger   logging.Logger
	upgrader websocket.Upgrader
	notify   chan struct{}

	mu      sync.Mutex
	latest  *fusion.OdometryRecord
	clients map[*websocket.Conn]*subscriber
}

// NewHub returns an empty hub. Call Run to start fan-out to subscribers.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		notify:  make(chan struct{}, 1),
		clients: make(map[*websocket.Conn]*subscriber),
	}
}

// Publish replaces the latest record. It never blocks on subscribers.
func (h *Hub) Publish(record fusion.OdometryRecord) {
	h.mu.Lock()
	h.latest = &record
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Latest returns the newest record, if any has been published.
func (h *Hub) Latest() (fusion.OdometryRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return fusion.OdometryRecord{}, false
	}
	return *h.latest, true
}

// Run pushes the latest record to every subscriber each time it changes, until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeClients()
			return
		case <-h.notify:
			record, ok := h.Latest()
			if !ok {
				continue
			}
			h.broadcast(NewMessage(record))
		}
	}
}

// ListenAndServe serves /odometry (websocket), /latest and /healthz on addr until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/odometry", h)
	mux.HandleFunc("/latest", h.handleLatest)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	go h.Run(ctx)

	h.logger.Infof("Serving odometry stream on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades to a websocket subscription. "?encoding=cbor" selects binary CBOR frames,
// otherwise frames are JSON text. The latest record, if any, is sent straight away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("websocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub := &subscriber{binary: r.URL.Query().Get("encoding") == "cbor"}
	h.mu.Lock()
	h.clients[conn] = sub
	latest := h.latest
	h.mu.Unlock()

	if latest != nil {
		if err := h.send(conn, sub, NewMessage(*latest)); err != nil {
			h.removeClient(conn)
			return
		}
	}

	go h.keepAlive(conn, sub)
}

// keepAlive pings the subscriber and drains its reads so close frames are noticed.
func (h *Hub) keepAlive(conn *websocket.Conn, sub *subscriber) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sub.writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				sub.writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	targets := make(map[*websocket.Conn]*subscriber, len(h.clients))
	for conn, sub := range h.clients {
		targets[conn] = sub
	}
	h.mu.Unlock()

	for conn, sub := range targets {
		if err := h.send(conn, sub, msg); err != nil {
			h.logger.Debugf("dropping odometry subscriber: %v", err)
			h.removeClient(conn)
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, sub *subscriber, msg Message) error {
	messageType := websocket.TextMessage
	var payload []byte
	var err error
	if sub.binary {
		messageType = websocket.BinaryMessage
		payload, err = cbor.Marshal(msg)
	} else {
		payload, err = json.Marshal(msg)
	}
	if err != nil {
		return err
	}

	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func (h *Hub) handleLatest(w http.ResponseWriter, _ *http.Request) {
	record, ok := h.Latest()
	if !ok {
		http.Error(w, "no odometry published yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NewMessage(record))
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *Hub) closeClients() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]*subscriber)
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// ClientCount returns the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
