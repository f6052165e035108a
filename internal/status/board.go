// Package status is the display side of the recorder: it keeps the latest
// playback status, pushes it to websocket clients and serves a small JSON API.
package status

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satindergrewal/spufify/internal/playback"
	"github.com/satindergrewal/spufify/internal/recorder"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 16
)

// InfoSource reports the capture session. *recorder.Recorder satisfies it.
type InfoSource interface {
	Info() recorder.Info
}

// Update is what clients see: the machine status plus the session it
// drives.
type Update struct {
	playback.Status
	Session *recorder.Info `json:"session,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Board implements playback.Observer.
type Board struct {
	session InfoSource

	mu      sync.RWMutex
	last    playback.Status
	clients map[*client]struct{}

	upgrader websocket.Upgrader
}

// NewBoard creates a board. session may be nil.
func NewBoard(session InfoSource) *Board {
	return &Board{
		session: session,
		last:    playback.Status{State: playback.Waiting},
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local tool; displays may be served from another port.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnStatusUpdate stores st and pushes it to every connected client. Clients
// whose buffer is full miss this update.
func (b *Board) OnStatusUpdate(st playback.Status) {
	b.mu.Lock()
	b.last = st
	b.mu.Unlock()

	msg, err := json.Marshal(b.build(st))
	if err != nil {
		log.Printf("WARN status: marshal update: %v", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Current returns the latest update.
func (b *Board) Current() Update {
	b.mu.RLock()
	st := b.last
	b.mu.RUnlock()
	return b.build(st)
}

func (b *Board) build(st playback.Status) Update {
	u := Update{Status: st}
	if b.session != nil {
		inf := b.session.Info()
		u.Session = &inf
	}
	return u
}

// ClientCount returns the number of connected websocket clients.
func (b *Board) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects all clients.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the request and streams updates until the client goes
// away. The current update is sent first.
func (b *Board) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARN status: websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if msg, err := json.Marshal(b.Current()); err == nil {
		c.send <- msg
	}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	log.Printf("Status client connected (%d total)", n)

	go c.writePump()
	c.readPump()

	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	log.Printf("Status client disconnected")
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only handles control frames; clients don't send anything we use.
func (c *client) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WARN status: websocket read: %v", err)
			}
			return
		}
	}
}
