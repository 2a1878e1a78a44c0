// Package electrumtest provides an in-memory Electrum server for tests.
package electrumtest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/Klingon-tech/forkwallet/internal/electrum"
)

// Error is a server error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one request. Returning NoReply leaves it unanswered.
type Handler func(params []json.RawMessage) (any, *Error)

type noReply struct{}

// NoReply makes the server swallow a request.
var NoReply = noReply{}

// ErrDialRefused is the default injected dial failure.
var ErrDialRefused = errors.New("connection refused")

// Request is a recorded call.
type Request struct {
	Method string
	Params []json.RawMessage
}

// Server is a fake indexing server reachable through Dialer.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[*serverConn]struct{}
	requests []Request
	dials    int
	dialErr  error
	height   int64
}

type serverConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (c *serverConn) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeRaw(append(data, '\n'))
}

func (c *serverConn) writeRaw(data []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = c.conn.Write(data)
}

// NewServer returns a server answering server.version, server.ping and
// blockchain.headers.subscribe.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		conns:    make(map[*serverConn]struct{}),
		height:   100,
	}
	s.Handle("server.version", func([]json.RawMessage) (any, *Error) {
		return []string{"FakeServer 1.0", "1.4"}, nil
	})
	s.Handle("server.ping", func([]json.RawMessage) (any, *Error) { return nil, nil })
	s.Handle("blockchain.headers.subscribe", func([]json.RawMessage) (any, *Error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]any{"height": s.height, "hex": ""}, nil
	})
	s.Handle("blockchain.scripthash.unsubscribe", func([]json.RawMessage) (any, *Error) { return true, nil })
	return s
}

// Handle installs h for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// SetHeight changes the tip reported by headers.subscribe.
func (s *Server) SetHeight(h int64) {
	s.mu.Lock()
	s.height = h
	s.mu.Unlock()
}

// FailDials makes every following dial fail with err (ErrDialRefused if nil).
func (s *Server) FailDials(err error) {
	if err == nil {
		err = ErrDialRefused
	}
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

// AllowDials undoes FailDials.
func (s *Server) AllowDials() {
	s.mu.Lock()
	s.dialErr = nil
	s.mu.Unlock()
}

// Dials returns the number of dial attempts, failed ones included.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Calls returns how many requests for method were received.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Requests returns a copy of every recorded request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Dialer returns a dialer connecting to this server over net.Pipe.
func (s *Server) Dialer() electrum.Dialer {
	return electrum.DialerFunc(func(ctx context.Context, ep electrum.Endpoint) (electrum.Conn, error) {
		s.mu.Lock()
		s.dials++
		err := s.dialErr
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		client, server := net.Pipe()
		sc := &serverConn{conn: server}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		go s.serve(sc)
		return electrum.NewLineConn(client), nil
	})
}

func (s *Server) serve(sc *serverConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		_ = sc.conn.Close()
	}()

	r := bufio.NewReader(sc.conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: req.Method, Params: req.Params})
		h := s.handlers[req.Method]
		s.mu.Unlock()

		go func() {
			if h == nil {
				sc.write(map[string]any{"id": req.ID, "error": Error{Code: -32601, Message: "unknown method " + req.Method}})
				return
			}
			result, rpcErr := h(req.Params)
			if result == NoReply {
				return
			}
			if rpcErr != nil {
				sc.write(map[string]any{"id": req.ID, "error": rpcErr})
				return
			}
			sc.write(map[string]any{"id": req.ID, "result": result})
		}()
	}
}

func (s *Server) live() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Notify pushes a notification to every open connection.
func (s *Server) Notify(method string, params ...any) {
	for _, c := range s.live() {
		c.write(map[string]any{"method": method, "params": params})
	}
}

// WriteRaw sends line (a newline is appended) to every open connection.
func (s *Server) WriteRaw(line string) {
	for _, c := range s.live() {
		c.writeRaw([]byte(line + "\n"))
	}
}

// DropAll closes every open connection from the server side.
func (s *Server) DropAll() {
	for _, c := range s.live() {
		_ = c.conn.Close()
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Param decodes params[i] into T, returning the zero value on failure.
func Param[T any](params []json.RawMessage, i int) T {
	var v T
	if i < len(params) {
		_ = json.Unmarshal(params[i], &v)
	}
	return v
}
