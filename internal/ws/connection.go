package ws

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one client-side WebSocket stream. Writes are serialized with a
// mutex; control frames (ping, close) received while reading are answered
// through the same locked writer so they never interleave with text frames.
type Conn struct {
	conn         net.Conn
	r            io.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newConn(nc net.Conn, br *bufio.Reader, writeTimeout time.Duration) *Conn {
	c := &Conn{conn: nc, r: nc, writeTimeout: writeTimeout}
	// Frames the server sent right after the 101 response may already sit
	// in the handshake reader.
	if br != nil && br.Buffered() > 0 {
		c.r = io.MultiReader(br, nc)
	} else if br != nil {
		ws.PutReader(br)
	}
	return c
}

// lockedWriter lets wsutil reply to control frames without racing Send.
type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// Send writes one masked text frame.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Receive blocks until the next data frame arrives. A close frame from the
// server is reported as io.EOF.
func (c *Conn) Receive() ([]byte, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, lockedWriter{c}}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if op == ws.OpText || op == ws.OpBinary {
			return data, nil
		}
	}
}

// Close sends a normal-closure frame and closes the socket. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
