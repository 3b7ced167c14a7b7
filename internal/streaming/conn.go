package streaming

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn serializes writes to a websocket connection. Turn pipelines fan
// events in from multiple goroutines and gorilla allows one writer at a
// time.
type Conn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func NewConn(c *websocket.Conn) *Conn {
	return &Conn{c: c}
}

func (w *Conn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(v)
}

func (w *Conn) WriteEvent(ev Event) error {
	return w.WriteJSON(ev)
}

func (w *Conn) Close() error {
	return w.c.Close()
}
