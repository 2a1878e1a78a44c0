package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxMessageSize bounds a single server message. Large verbose transactions
// and long histories fit comfortably.
const maxMessageSize = 32 << 20

// ErrMessageTooLarge is returned when a server line exceeds maxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// Conn is a framed, message-oriented connection to a server. ReadMessage is
// called from a single goroutine; WriteMessage may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections to endpoints.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	return f(ctx, ep)
}

// NetDialer dials real TCP, TLS and websocket endpoints.
type NetDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Dial opens a connection using the endpoint's transport.
func (d *NetDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tlsCfg := d.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS12}
	}

	switch ep.Transport {
	case TransportWS, TransportWSS:
		wd := websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  tlsCfg,
		}
		ws, _, err := wd.DialContext(ctx, ep.URL(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return NewWebsocketConn(ws), nil
	case TransportTLS:
		nd := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: tlsCfg}
		c, err := nd.DialContext(ctx, "tcp", ep.HostPort())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return NewLineConn(c), nil
	default:
		nd := &net.Dialer{Timeout: timeout}
		c, err := nd.DialContext(ctx, "tcp", ep.HostPort())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return NewLineConn(c), nil
	}
}

// lineConn frames messages as newline-terminated JSON.
type lineConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// NewLineConn wraps a stream connection with newline framing.
func NewLineConn(c net.Conn) Conn {
	return &lineConn{conn: c, r: bufio.NewReaderSize(c, 64<<10)}
}

func (l *lineConn) ReadMessage() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := l.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxMessageSize {
			return nil, ErrMessageTooLarge
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func (l *lineConn) WriteMessage(data []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, data...)
	msg = append(msg, '\n')
	_, err := l.conn.Write(msg)
	return err
}

func (l *lineConn) Close() error {
	return l.conn.Close()
}

// wsConn carries one JSON message per text frame.
type wsConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// NewWebsocketConn wraps a websocket connection.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	ws.SetReadLimit(maxMessageSize)
	return &wsConn{ws: ws}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.wmu.Lock()
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.ws.Close()
}
