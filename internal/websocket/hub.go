package websocket

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

const (
	writeWait  = 5 * time.Second
	queueDepth = 256
)

// Authenticator resolves the token a client connects with to a user id.
type Authenticator func(token string) (uint, error)

type outbound struct {
	userID uint
	msg    models.Message
}

// Hub maintains the active clients of each user and delivers messages
// only to the sockets of the user they are addressed to.
type Hub struct {
	mu          sync.RWMutex
	connections map[uint]map[*websocket.Conn]bool

	// Messages waiting to be written; Run is the only writer
	send chan outbound
	done chan struct{}
	once sync.Once

	authenticate Authenticator

	// Upgrader for HTTP connections to WebSocket
	upgrader websocket.Upgrader
}

// NewHub creates a new hub for managing WebSocket connections
func NewHub(authenticate Authenticator, allowedOrigins []string) *Hub {
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin(allowedOrigins),
	}

	return &Hub{
		connections:  make(map[uint]map[*websocket.Conn]bool),
		send:         make(chan outbound, queueDepth),
		done:         make(chan struct{}),
		authenticate: authenticate,
		upgrader:     upgrader,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run writes queued messages until the hub is closed
func (h *Hub) Run() {
	for {
		var out outbound
		select {
		case <-h.done:
			return
		case out = <-h.send:
		}

		h.mu.RLock()
		conns := make([]*websocket.Conn, 0, len(h.connections[out.userID]))
		for c := range h.connections[out.userID] {
			conns = append(conns, c)
		}
		h.mu.RUnlock()

		for _, client := range conns {
			client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.WriteJSON(out.msg); err != nil {
				log.Printf("Error sending message to user %d: %v", out.userID, err)
				h.remove(out.userID, client)
			}
		}
	}
}

// Close stops Run and disconnects every client
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.connections {
		for c := range conns {
			c.Close()
		}
		delete(h.connections, userID)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket. The client
// authenticates with ?token=<jwt> since browsers cannot set headers on
// the upgrade request.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading to WebSocket: %v", err)
		return
	}

	h.mu.Lock()
	if h.connections[userID] == nil {
		h.connections[userID] = make(map[*websocket.Conn]bool)
	}
	h.connections[userID][ws] = true
	h.mu.Unlock()

	// Read messages from the client (to keep the connection alive)
	go func() {
		defer h.remove(userID, ws)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					log.Printf("WebSocket read for user %d ended: %v", userID, err)
				}
				return
			}
		}
	}()
}

func (h *Hub) remove(userID uint, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.connections[userID]; ok && conns[ws] {
		delete(conns, ws)
		ws.Close()
		if len(conns) == 0 {
			delete(h.connections, userID)
		}
	}
}

// Connections returns how many sockets a user has open
func (h *Hub) Connections(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// SendToUser queues msg for the user's sockets. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) SendToUser(userID uint, msg models.Message) {
	if h.Connections(userID) == 0 {
		return
	}
	select {
	case <-h.done:
	case h.send <- outbound{userID: userID, msg: msg}:
	default:
		log.Printf("WebSocket queue full, dropping %s for user %d", msg.Type, userID)
	}
}
