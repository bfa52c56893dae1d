package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every frame sent to a client.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// clientCommand is the envelope for frames received from a client.
type clientCommand struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
}

// deltaLog accumulates a streaming job's delta payloads so a subscriber that
// arrives mid-run can catch up. The log is discarded on the job's terminal
// event.
type deltaLog struct {
	userID string
	items  []interface{}
}

// WebSocketHandler fans job and flow events out to authenticated clients.
// Every connection auto-joins its user's room; job delta streams additionally
// require an explicit subscribe:job.
type WebSocketHandler struct {
	logger           arbor.ILogger
	auth             interfaces.AuthService
	sendBuffer       int
	progressThrottle time.Duration
	pingInterval     time.Duration
	serverInstanceID string

	mu      sync.RWMutex
	clients map[*wsClient]bool

	deltaMu sync.Mutex
	deltas  map[string]*deltaLog

	sub  interfaces.Subscription
	done chan struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan WSMessage
	done   chan struct{}

	mu        sync.Mutex
	subs      map[string]bool
	throttles map[string]*rate.Limiter
	closed    bool
}

// NewWebSocketHandler creates the hub and starts consuming bus events.
func NewWebSocketHandler(bus interfaces.EventBus, auth interfaces.AuthService, cfg *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	sendBuffer := 64
	progressThrottle := 250 * time.Millisecond
	pingInterval := 30 * time.Second
	if cfg != nil {
		if cfg.SendBuffer > 0 {
			sendBuffer = cfg.SendBuffer
		}
		progressThrottle = common.ParseDurationOr(cfg.ProgressThrottle, progressThrottle)
		pingInterval = common.ParseDurationOr(cfg.PingInterval, pingInterval)
	}

	h := &WebSocketHandler{
		logger:           logger,
		auth:             auth,
		sendBuffer:       sendBuffer,
		progressThrottle: progressThrottle,
		pingInterval:     pingInterval,
		serverInstanceID: uuid.New().String(),
		clients:          make(map[*wsClient]bool),
		deltas:           make(map[string]*deltaLog),
		done:             make(chan struct{}),
	}

	h.sub = bus.Subscribe(interfaces.EventFilter{}, 512)
	common.SafeGo(logger, "websocket-fanout", func() {
		h.consume()
	})

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// Close stops the fan-out loop and disconnects every client.
func (h *WebSocketHandler) Close() {
	h.sub.Close()
	close(h.done)

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// HandleWebSocket handles WebSocket connections. Credentials travel in the
// query string (token= or apiKey=) or the usual headers.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authenticate(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{
		conn:      conn,
		userID:    principal.UserID,
		send:      make(chan WSMessage, h.sendBuffer),
		done:      make(chan struct{}),
		subs:      make(map[string]bool),
		throttles: make(map[string]*rate.Limiter),
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Str("user_id", client.userID).Msgf("WebSocket client connected (total: %d)", total)

	client.enqueue(WSMessage{
		Type: "connected",
		Payload: map[string]interface{}{
			"userId":           client.userID,
			"serverInstanceId": h.serverInstanceID,
		},
	}, true)

	common.SafeGo(h.logger, "websocket-writer", func() {
		h.writePump(client)
	})
	h.readPump(client)
}

func (h *WebSocketHandler) authenticate(r *http.Request) (*models.Principal, error) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token != "" {
		return h.auth.VerifyToken(ctx, token)
	}

	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}
	if apiKey != "" {
		return h.auth.VerifyApiKey(ctx, apiKey)
	}

	return nil, models.ErrUnauthorised("credentials required")
}

// readPump consumes subscription commands until the connection drops.
func (h *WebSocketHandler) readPump(client *wsClient) {
	defer h.drop(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		switch cmd.Type {
		case "subscribe:job":
			if cmd.JobID == "" {
				continue
			}
			client.mu.Lock()
			client.subs[cmd.JobID] = true
			client.mu.Unlock()
			h.replayDeltas(client, cmd.JobID)
		case "unsubscribe:job":
			client.mu.Lock()
			delete(client.subs, cmd.JobID)
			delete(client.throttles, cmd.JobID)
			client.mu.Unlock()
		}
	}
}

// writePump drains the client's send channel and keeps the connection alive
// with pings.
func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteJSON(msg); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

func (h *WebSocketHandler) drop(client *wsClient) {
	h.mu.Lock()
	if !h.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	remaining := len(h.clients)
	h.mu.Unlock()

	client.close()
	h.logger.Debug().Str("user_id", client.userID).Msgf("WebSocket client disconnected (remaining: %d)", remaining)
}

// consume routes bus events to connected clients.
func (h *WebSocketHandler) consume() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.sub.C():
			if !ok {
				return
			}
			h.route(event)
		}
	}
}

func (h *WebSocketHandler) route(event models.Event) {
	switch event.Type {
	case models.EventJobDelta:
		h.appendDelta(event)
	case models.EventJobCompleted, models.EventJobFailed:
		h.dropDeltas(event.JobID)
	}

	if event.UserID == "" {
		return
	}

	// Job events go to the user's room under the generic name and, for
	// explicit job subscribers, under the job-scoped name as well. Flow
	// events keep their own names.
	isFlow := strings.HasPrefix(string(event.Type), "flow:")
	userMsg := WSMessage{Type: string(event.Type), Payload: event}
	if !isFlow {
		userMsg.Type = fmt.Sprintf("job:%s", event.Type)
	}

	hasJobMsg := !isFlow && event.JobID != ""
	var jobMsg WSMessage
	if hasJobMsg {
		jobMsg = WSMessage{Type: fmt.Sprintf("job:%s:%s", event.JobID, event.Type), Payload: event}
	}
	terminal := event.Type.IsTerminal()

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.userID != event.UserID {
			continue
		}

		switch event.Type {
		case models.EventJobDelta:
			// Delta streams are opt-in per job.
			if hasJobMsg && client.subscribed(event.JobID) {
				client.enqueue(jobMsg, false)
			}
		case models.EventJobProgress:
			if !client.allowProgress(event.JobID, h.progressThrottle) {
				continue
			}
			client.enqueue(userMsg, false)
			if hasJobMsg && client.subscribed(event.JobID) {
				client.enqueue(jobMsg, false)
			}
		default:
			client.enqueue(userMsg, terminal)
			if hasJobMsg && client.subscribed(event.JobID) {
				client.enqueue(jobMsg, terminal)
			}
		}
	}
}

// appendDelta records a streaming payload for late subscribers.
func (h *WebSocketHandler) appendDelta(event models.Event) {
	h.deltaMu.Lock()
	defer h.deltaMu.Unlock()

	log, ok := h.deltas[event.JobID]
	if !ok {
		log = &deltaLog{userID: event.UserID}
		h.deltas[event.JobID] = log
	}
	log.items = append(log.items, event.Payload)
}

func (h *WebSocketHandler) dropDeltas(jobID string) {
	h.deltaMu.Lock()
	delete(h.deltas, jobID)
	h.deltaMu.Unlock()
}

// replayDeltas sends the accumulated delta log to a fresh subscriber.
func (h *WebSocketHandler) replayDeltas(client *wsClient, jobID string) {
	h.deltaMu.Lock()
	log, ok := h.deltas[jobID]
	var items []interface{}
	if ok && log.userID == client.userID {
		items = make([]interface{}, len(log.items))
		copy(items, log.items)
	}
	h.deltaMu.Unlock()

	for _, item := range items {
		client.enqueue(WSMessage{
			Type: fmt.Sprintf("job:%s:%s", jobID, models.EventJobDelta),
			Payload: map[string]interface{}{
				"jobId":    jobID,
				"payload":  item,
				"replayed": true,
			},
		}, false)
	}
}

// enqueue offers a message to the client's bounded buffer. Progress and delta
// frames are dropped when the buffer is full; terminal frames wait for room.
func (c *wsClient) enqueue(msg WSMessage, terminal bool) {
	select {
	case c.send <- msg:
		return
	default:
	}

	if !terminal {
		return
	}

	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *wsClient) subscribed(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[jobID]
}

// allowProgress rate-limits progress frames per job.
func (c *wsClient) allowProgress(jobID string, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}

	c.mu.Lock()
	limiter, ok := c.throttles[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		c.throttles[jobID] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}

func (c *wsClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
}
