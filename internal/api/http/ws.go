package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/anika-dewari/safebox/internal/coordinator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// jobEventHub fans out job results to every connected websocket client.
// The submit handler calls Broadcast once with each job's terminal
// JobResult; a client whose buffer is full misses that event rather than
// blocking the handler.
type jobEventHub struct {
	mu      sync.Mutex
	clients map[chan coordinator.JobResult]struct{}
}

func newJobEventHub() *jobEventHub {
	return &jobEventHub{clients: make(map[chan coordinator.JobResult]struct{})}
}

func (h *jobEventHub) subscribe() chan coordinator.JobResult {
	ch := make(chan coordinator.JobResult, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *jobEventHub) unsubscribe(ch chan coordinator.JobResult) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast delivers a JobResult to every subscriber. A full client
// channel is skipped for this event rather than blocking the caller.
func (h *jobEventHub) Broadcast(r coordinator.JobResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- r:
		default:
		}
	}
}

// stream upgrades to a websocket and pushes every job event until the
// client disconnects.
func (h *handlers) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.hub.subscribe()
	defer h.hub.unsubscribe(ch)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(r); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
