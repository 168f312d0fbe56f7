package rpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Time allowed to write a frame to the peer.
const writeWait = 5 * time.Second

// wsTransport adapts a gobwas/ws server-side connection to the Transport
// interface. Reads come from the single dispatcher goroutine; writes are
// serialized with a mutex because the dispatcher and the streaming task both
// send.
type wsTransport struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewWSTransport wraps an upgraded WebSocket connection.
func NewWSTransport(conn net.Conn) Transport {
	return &wsTransport{conn: conn}
}

// ReadMessage blocks until the next text frame or disconnect. There is no
// read timeout; the receive side waits as long as the client stays silent.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		msg, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			return msg, nil
		case ws.OpClose:
			return nil, fmt.Errorf("close frame received")
		default:
			// Control frames are answered by wsutil; keep reading.
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(t.conn, ws.OpText, data)
}

func (t *wsTransport) Close() error {
	// Interrupt any in-flight write so the mutex frees promptly.
	t.conn.SetWriteDeadline(time.Now())
	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	wsutil.WriteServerMessage(t.conn, ws.OpClose, nil)
	t.writeMu.Unlock()
	return t.conn.Close()
}
