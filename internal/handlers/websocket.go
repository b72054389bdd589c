package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/tasks"
)

const (
	writeWait        = 10 * time.Second
	subscriberBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope of every frame pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HelloPayload is sent once on connect
type HelloPayload struct {
	ServerInstanceID string         `json:"server_instance_id"` // Changes on restart so clients can refetch
	Active           []*models.Task `json:"active"`
}

type taskThrottle struct {
	limiter *rate.Limiter
	status  models.TaskStatus
	pending *models.Task // Latest dropped snapshot, sent once the limiter allows
	due     time.Time
}

// WebSocketHandler pushes task snapshots to connected clients.
//
// Status changes and terminal snapshots are always sent. Progress-only updates of a task are limited
// to one per throttle interval; the latest dropped update is sent when the interval ends.
type WebSocketHandler struct {
	manager          *tasks.Manager
	logger           arbor.ILogger
	clients          map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	throttleInterval time.Duration
	throttles        map[string]*taskThrottle // Owned by the pump goroutine
	serverInstanceID string

	unsubscribe func()
	done        chan struct{}
}

func NewWebSocketHandler(manager *tasks.Manager, throttleInterval time.Duration, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		manager:          manager,
		logger:           logger,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		throttleInterval: throttleInterval,
		throttles:        make(map[string]*taskThrottle),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Dur("throttle_interval", throttleInterval).
		Msg("WebSocket handler initialized")

	return h
}

// Start subscribes to task changes and begins broadcasting
func (h *WebSocketHandler) Start() {
	updates, unsubscribe := h.manager.Subscribe(subscriberBuffer)
	h.unsubscribe = unsubscribe
	h.done = make(chan struct{})

	common.SafeGo(h.logger, "websocket-task-pump", func() {
		defer close(h.done)

		flush := time.NewTimer(time.Hour)
		flush.Stop()
		defer flush.Stop()

		for {
			select {
			case task, ok := <-updates:
				if !ok {
					return
				}
				if h.shouldSend(task) {
					h.broadcast(WSMessage{Type: "task", Payload: task})
				}
			case now := <-flush.C:
				h.flushDue(now)
			}

			if next, ok := h.nextFlush(); ok {
				flush.Reset(time.Until(next))
			} else {
				flush.Stop()
			}
		}
	}, nil)
}

// Stop unsubscribes, waits for the pump to drain and closes every client
func (h *WebSocketHandler) Stop() {
	if h.unsubscribe == nil {
		return
	}
	h.unsubscribe()
	<-h.done

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}

func (h *WebSocketHandler) shouldSend(task *models.Task) bool {
	if task.Status.IsTerminal() {
		delete(h.throttles, task.ID)
		return true
	}

	t, ok := h.throttles[task.ID]
	if !ok || t.status != task.Status {
		limiter := rate.NewLimiter(rate.Every(h.throttleInterval), 1)
		limiter.Allow()
		h.throttles[task.ID] = &taskThrottle{limiter: limiter, status: task.Status}
		return true
	}

	if h.throttleInterval <= 0 {
		return true
	}
	if t.pending == nil && t.limiter.Allow() {
		return true
	}

	if t.pending == nil {
		t.due = time.Now().Add(t.limiter.Reserve().Delay())
	}
	t.pending = task
	return false
}

// flushDue sends every held-back snapshot whose interval has ended
func (h *WebSocketHandler) flushDue(now time.Time) {
	for _, t := range h.throttles {
		if t.pending == nil || now.Before(t.due) {
			continue
		}
		h.broadcast(WSMessage{Type: "task", Payload: t.pending})
		t.pending = nil
		t.due = time.Time{}
	}
}

func (h *WebSocketHandler) nextFlush() (time.Time, bool) {
	var next time.Time
	for _, t := range h.throttles {
		if t.pending != nil && (next.IsZero() || t.due.Before(next)) {
			next = t.due
		}
	}
	return next, !next.IsZero()
}

// HandleWebSocket upgrades the connection, sends the hello frame and keeps the connection open
// GET /ws/tasks
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	active, err := h.manager.ListActive(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to load active tasks for new client")
		active = []*models.Task{}
	}

	// Hold the connection's write lock until hello is out so broadcasts queue behind it
	mutex := &sync.Mutex{}
	mutex.Lock()
	h.mu.Lock()
	h.clients[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	err = h.write(conn, WSMessage{
		Type:    "hello",
		Payload: HelloPayload{ServerInstanceID: h.serverInstanceID, Active: active},
	})
	mutex.Unlock()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send hello to client")
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (h *WebSocketHandler) broadcast(msg WSMessage) {
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutexes[i].Lock()
		err := h.write(conn, msg)
		mutexes[i].Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
