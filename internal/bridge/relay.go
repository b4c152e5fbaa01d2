package bridge

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const tcpReadSize = 32 * 1024

// leg is one direction of a relay. Until it is ready, writes are queued;
// markReady flushes the queue as a single write and drops it for good.
type leg struct {
	mu     sync.Mutex
	ready  bool
	buffer [][]byte
	write  func([]byte) error
}

func (l *leg) send(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		l.buffer = append(l.buffer, bytes.Clone(p))
		return nil
	}
	return l.write(p)
}

func (l *leg) markReady(write func([]byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write = write
	l.ready = true
	pending := l.buffer
	l.buffer = nil
	if len(pending) == 0 {
		return nil
	}
	return write(bytes.Join(pending, nil))
}

func (l *leg) buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// relayState holds the readiness of both legs of one relay.
type relayState struct {
	ws  leg
	tcp leg
}

// relay pairs one WebSocket with one TCP connection.
type relay struct {
	ws     *websocket.Conn
	state  relayState
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tcp    net.Conn
	closed bool

	closeOnce sync.Once
	onClose   func(*relay)
}

func newRelay(ws *websocket.Conn, log logrus.FieldLogger, onClose func(*relay)) *relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &relay{ws: ws, log: log, ctx: ctx, cancel: cancel, onClose: onClose}
	// An accepted WebSocket is usable straight away.
	_ = r.state.ws.markReady(r.writeWS)
	return r
}

func (r *relay) writeWS(p []byte) error {
	return r.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (r *relay) writeTCP(p []byte) error {
	_, err := r.tcp.Write(p)
	return err
}

// run dials target and pumps both directions until either side closes.
func (r *relay) run(dial DialFunc, target string) {
	go r.pumpWS()

	conn, err := dial(r.ctx, "tcp", target)
	if err != nil {
		r.log.WithError(err).Warn("failed to connect relay to target")
		r.close()
		return
	}
	if !r.attach(conn) {
		_ = conn.Close()
		return
	}
	if err := r.state.tcp.markReady(r.writeTCP); err != nil {
		r.log.WithError(err).Warn("failed to flush buffered data to target")
		r.close()
		return
	}
	r.pumpTCP()
}

func (r *relay) attach(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.tcp = conn
	return true
}

func (r *relay) pumpWS() {
	defer r.close()
	for {
		_, data, err := r.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.WithError(err).Debug("websocket closed")
			}
			return
		}
		if err := r.state.tcp.send(data); err != nil {
			r.log.WithError(err).Warn("tcp write failed")
			return
		}
	}
}

func (r *relay) pumpTCP() {
	defer r.close()
	buf := make([]byte, tcpReadSize)
	for {
		n, err := r.tcp.Read(buf)
		if n > 0 {
			if werr := r.state.ws.send(buf[:n]); werr != nil {
				r.log.WithError(werr).Warn("websocket write failed")
				return
			}
		}
		if err != nil {
			r.log.WithError(err).Debug("tcp connection closed")
			return
		}
	}
}

// close shuts both legs. Only the first call has any effect.
func (r *relay) close() {
	r.closeOnce.Do(func() {
		r.cancel()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = r.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = r.ws.Close()

		r.mu.Lock()
		r.closed = true
		if r.tcp != nil {
			_ = r.tcp.Close()
		}
		r.mu.Unlock()

		if r.onClose != nil {
			r.onClose(r)
		}
	})
}
