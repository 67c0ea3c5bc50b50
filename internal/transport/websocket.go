package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultWriteWait        = 1 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

type WebSocketConfig struct {
	// MaxMessageBytes caps inbound frames; larger frames close the
	// connection with 1009. Zero means no limit.
	MaxMessageBytes int64
	// PingInterval enables server-initiated pings. Zero disables them.
	PingInterval time.Duration
	// IdleTimeout closes the connection with a normal closure when nothing
	// (including pongs) has been read for this long. Zero disables it.
	IdleTimeout time.Duration
	WriteWait   time.Duration
}

// WebSocket adapts a gorilla connection to Channel. Only text frames are
// carried.
type WebSocket struct {
	conn *websocket.Conn
	cfg  WebSocketConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ Channel = (*WebSocket)(nil)

func NewWebSocket(conn *websocket.Conn, cfg WebSocketConfig) *WebSocket {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	ws := &WebSocket{
		conn: conn,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	if cfg.IdleTimeout > 0 {
		ws.touch()
		conn.SetPongHandler(func(string) error {
			ws.touch()
			return nil
		})
	}
	if cfg.PingInterval > 0 {
		go ws.keepalive()
	}
	return ws
}

// Dial opens a client-side channel. Handshake failures are returned as
// *ConnectionError.
func Dial(ctx context.Context, rawURL string, header http.Header, cfg WebSocketConfig) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		cerr := &ConnectionError{URL: rawURL, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return nil, cerr
	}
	return NewWebSocket(conn, cfg), nil
}

func (w *WebSocket) Send(frame []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

func (w *WebSocket) Receive() ([]byte, error) {
	msgType, data, err := w.conn.ReadMessage()
	if err != nil {
		select {
		case <-w.done:
			return nil, ErrClosed
		default:
		}
		switch {
		case isTimeout(err):
			w.CloseWith(websocket.CloseNormalClosure, "idle timeout")
		case errors.Is(err, websocket.ErrReadLimit):
			w.CloseWith(websocket.CloseMessageTooBig, "message too large")
		default:
			// gorilla has already answered other protocol errors with a close
			// frame.
			w.shutdown()
		}
		return nil, err
	}
	if w.cfg.IdleTimeout > 0 {
		w.touch()
	}
	if msgType != websocket.TextMessage {
		w.CloseWith(websocket.CloseUnsupportedData, "expected text message")
		return nil, ErrUnsupportedFrame
	}
	return data, nil
}

func (w *WebSocket) Close() error {
	w.CloseWith(websocket.CloseNormalClosure, "")
	return nil
}

// CloseWith sends a close frame with the given code and tears the connection
// down. Only the first call has any effect.
func (w *WebSocket) CloseWith(code int, reason string) {
	w.closeOnce.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(w.cfg.WriteWait))
		_ = w.conn.Close()
		close(w.done)
	})
}

func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

// RemoteAddr is used for logging only.
func (w *WebSocket) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *WebSocket) shutdown() {
	w.closeOnce.Do(func() {
		_ = w.conn.Close()
		close(w.done)
	})
}

func (w *WebSocket) touch() {
	_ = w.conn.SetReadDeadline(time.Now().Add(w.cfg.IdleTimeout))
}

func (w *WebSocket) keepalive() {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
