// Package ops is the operator-facing HTTP surface: health, Prometheus
// metrics, room listing and a websocket live tail of broadcast
// traffic. It never carries chat protocol traffic.
package ops

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chatline/internal/room"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type event struct {
	Room string    `json:"room"`
	Line string    `json:"line"`
	Time time.Time `json:"time"`
}

type tailClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast lines out to connected tail watchers. Publish
// never blocks: a watcher that cannot keep up is dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*tailClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*tailClient]struct{})}
}

func (h *Hub) Publish(roomName, line string) {
	b, err := json.Marshal(event{Room: roomName, Line: line, Time: time.Now()})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) add(c *tailClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *tailClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router builds the ops endpoint.
func Router(hub *Hub, rooms *room.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.ListRoomNames()})
	})

	r.GET("/ws/tail", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		tc := &tailClient{conn: conn, send: make(chan []byte, 256)}
		hub.add(tc)
		go tc.writePump()
		tc.readPump(hub)
	})

	return r
}

func (c *tailClient) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *tailClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs the ops endpoint; failures here must not take the chat
// server down.
func Serve(addr string, hub *Hub, rooms *room.Registry) {
	if err := Router(hub, rooms).Run(addr); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("ops server")
	}
}
