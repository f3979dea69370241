package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kpeters/chargetrack/backend/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler pushes live status updates to connected dashboard clients.
// The monitor calls Broadcast after every poll; each client also gets the
// latest snapshot immediately on connect.
type WSHandler struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	latest  []byte
}

func NewWSHandler() *WSHandler {
	return &WSHandler{clients: make(map[*websocket.Conn]chan []byte)}
}

// Broadcast fans the status out to every connected client. Slow clients
// get dropped rather than stalling the monitor.
func (h *WSHandler) Broadcast(status models.LiveStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		log.Printf("ERROR: Failed to marshal status broadcast: %v", err)
		return
	}

	h.mu.Lock()
	h.latest = data
	for conn, send := range h.clients {
		select {
		case send <- data:
		default:
			log.Printf("WARNING: Dropping slow websocket client %s", conn.RemoteAddr())
			close(send)
			delete(h.clients, conn)
			conn.Close()
		}
	}
	h.mu.Unlock()
}

// Serve upgrades the connection and streams status updates until the client
// disconnects.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: Websocket upgrade failed: %v", err)
		return
	}

	send := make(chan []byte, 8)

	h.mu.Lock()
	h.clients[conn] = send
	if h.latest != nil {
		send <- h.latest
	}
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("Websocket client connected from %s (%d total)", conn.RemoteAddr(), count)

	// Reader: only there to notice the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(conn)
				return
			}
		}
	}
}

func (h *WSHandler) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		close(send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}
