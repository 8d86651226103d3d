// Package rpc exposes a robot session over a websocket. A connection is
// a session: it is refused while another one is active and closing it
// ends the session.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/session"
)

const (
	statusAccepted = "0"
	statusBusy     = "-1"

	writeTimeout = 10 * time.Second
	// streamBuffer is how many client stream items wait for the call.
	streamBuffer = 16
)

// message is anything a client sends: a call, a client stream item, the
// end of a client stream or a cancel.
type message struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Item   json.RawMessage `json:"item,omitempty"`
	End    bool            `json:"end,omitempty"`
	Cancel bool            `json:"cancel,omitempty"`
}

type resultReply struct {
	ID     string `json:"id"`
	Result any    `json:"result"`
}

type errorReply struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type itemReply struct {
	ID   string `json:"id"`
	Item any    `json:"item"`
}

// Server accepts websocket connections for a robot.
type Server struct {
	robot    *session.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewServer(robot *session.Server) *Server {
	return &Server{
		robot: robot,
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves /rpc and, with a config file, the configuration API at
// /api/config.
func (s *Server) Handler(configFile string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/rpc", s)
	if configFile != "" {
		mux.HandleFunc("/api/config", config.ConfigHandler(configFile))
	}
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
	}()

	sess, err := s.robot.Enter()
	if err != nil {
		slog.Info("Refusing connection", "remote", r.RemoteAddr, "error", err)
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		ws.WriteMessage(websocket.TextMessage, []byte(statusBusy))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer sess.Close()
	slog.Info("Client connected", "remote", r.RemoteAddr, "session", sess.ID)

	c := newConn(ws, sess)
	if err := c.writeRaw([]byte(statusAccepted)); err != nil {
		return
	}
	c.serve()
	slog.Info("Client disconnected", "remote", r.RemoteAddr, "session", sess.ID)
}

// Close drops every connection, which ends its session.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.conns {
		ws.Close()
	}
}

// conn is one client connection with its running calls.
type conn struct {
	ws   *websocket.Conn
	sess *session.Session

	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex

	mu    sync.Mutex
	calls map[string]*call
	wg    sync.WaitGroup
}

type call struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	// in carries client stream items; closed by the end message.
	in     chan json.RawMessage
	closed bool
}

func newConn(ws *websocket.Conn, sess *session.Session) *conn {
	c := &conn{ws: ws, sess: sess, calls: make(map[string]*call)}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// serve reads messages until the client goes away, then cancels and
// waits for every call.
func (c *conn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Read failed", "session", c.sess.ID, "error", err)
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Dropping malformed message", "session", c.sess.ID, "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg message) {
	switch {
	case msg.Method != "":
		c.start(msg)
	case msg.Cancel:
		c.mu.Lock()
		if cl := c.calls[msg.ID]; cl != nil {
			cl.cancel()
		}
		c.mu.Unlock()
	case msg.End:
		c.mu.Lock()
		if cl := c.calls[msg.ID]; cl != nil && !cl.closed {
			cl.closed = true
			close(cl.in)
		}
		c.mu.Unlock()
	case msg.Item != nil:
		c.mu.Lock()
		cl := c.calls[msg.ID]
		c.mu.Unlock()
		// only this goroutine closes in, so closed cannot change here
		if cl == nil || cl.closed {
			return
		}
		select {
		case cl.in <- msg.Item:
		case <-cl.ctx.Done():
		}
	default:
		slog.Warn("Dropping message without purpose", "session", c.sess.ID, "id", msg.ID)
	}
}

// start runs the call on its own goroutine.
func (c *conn) start(msg message) {
	h, ok := methods[msg.Method]
	if !ok {
		c.write(errorReply{ID: msg.ID, Error: fmt.Sprintf("unknown method %q", msg.Method)})
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	cl := &call{id: msg.ID, ctx: ctx, cancel: cancel, in: make(chan json.RawMessage, streamBuffer)}

	c.mu.Lock()
	if _, dup := c.calls[msg.ID]; dup {
		c.mu.Unlock()
		cancel()
		c.write(errorReply{ID: msg.ID, Error: fmt.Sprintf("call id %q in use", msg.ID)})
		return
	}
	c.calls[msg.ID] = cl
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		req := &request{
			ctx:  ctx,
			sess: c.sess,
			args: msg.Args,
			in:   cl.in,
			emit: func(item any) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return c.write(itemReply{ID: cl.id, Item: item})
			},
		}
		result, err := h(req)
		cancelled := ctx.Err() != nil && errors.Is(err, context.Canceled)
		// the id is free again once the client sees the reply
		c.finish(cl)
		switch {
		case cancelled:
			c.write(errorReply{ID: cl.id, Error: "cancelled"})
		case err != nil:
			slog.Debug("Call failed", "session", c.sess.ID, "method", msg.Method, "error", err)
			c.write(errorReply{ID: cl.id, Error: err.Error()})
		default:
			c.write(resultReply{ID: cl.id, Result: result})
		}
	}()
}

func (c *conn) finish(cl *call) {
	cl.cancel()
	c.mu.Lock()
	delete(c.calls, cl.id)
	c.mu.Unlock()
}

func (c *conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *conn) writeRaw(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
