// Package server bridges the organizer and the browser extension over a
// websocket. The extension forwards tab and group events and answers
// commands that read or change tabs and groups.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/host"
)

// DefaultCallTimeout bounds how long a command waits for its response.
const DefaultCallTimeout = 5 * time.Second

// Event types sent by the extension. EventConnected is synthesized by the
// server when an extension connects.
const (
	EventConnected    = "connected"
	EventTabCreated   = "tab.created"
	EventTabUpdated   = "tab.updated"
	EventTabRemoved   = "tab.removed"
	EventTabMoved     = "tab.moved"
	EventTabAttached  = "tab.attached"
	EventTabDetached  = "tab.detached"
	EventGroupCreated = "group.created"
	EventGroupUpdated = "group.updated"
	EventGroupRemoved = "group.removed"
	EventAppDetected  = "app.detected"
	EventBranchName   = "branch.name"
)

// IncomingMsg is a message from the extension: an event when Type is set,
// otherwise the response to the command with the same ID.
type IncomingMsg struct {
	Type       string          `json:"type,omitempty"`
	Tab        json.RawMessage `json:"tab,omitempty"`
	Tabs       json.RawMessage `json:"tabs,omitempty"`
	TabID      int             `json:"tabId,omitempty"`
	WindowID   int             `json:"windowId,omitempty"`
	ChangeInfo json.RawMessage `json:"changeInfo,omitempty"`
	Group      json.RawMessage `json:"group,omitempty"`
	Groups     json.RawMessage `json:"groups,omitempty"`
	AppID      string          `json:"appId,omitempty"`
	VersionID  string          `json:"versionId,omitempty"`
	URL        string          `json:"url,omitempty"`
	// Command response fields
	ID      string `json:"id,omitempty"`
	OK      *bool  `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
	GroupID int    `json:"groupId,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

// OutgoingMsg is a command to the extension.
type OutgoingMsg struct {
	ID       string  `json:"id"`
	Action   string  `json:"action"`
	TabID    int     `json:"tabId,omitempty"`
	TabIDs   []int   `json:"tabIds,omitempty"`
	GroupID  *int    `json:"groupId,omitempty"`
	WindowID int     `json:"windowId,omitempty"`
	Title    *string `json:"title,omitempty"`
	Color    *string `json:"color,omitempty"`
}

type reply struct {
	msg IncomingMsg
	err error
}

// Server manages the WebSocket connection to the extension.
type Server struct {
	port        int
	callTimeout time.Duration
	msgs        chan IncomingMsg

	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
	pending map[string]chan reply
}

// New creates a new Server. Port 0 means the caller manages the listener.
func New(port int) *Server {
	return &Server{
		port:        port,
		callTimeout: DefaultCallTimeout,
		msgs:        make(chan IncomingMsg, 256),
		pending:     make(map[string]chan reply),
	}
}

// WithCallTimeout sets how long Call waits for a response.
func (s *Server) WithCallTimeout(d time.Duration) *Server {
	if d > 0 {
		s.callTimeout = d
	}
	return s
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Messages returns the channel of events from the extension.
func (s *Server) Messages() <-chan IncomingMsg {
	return s.msgs
}

// Connected reports whether an extension is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send sends a command to the connected extension without waiting for an
// answer.
func (s *Server) Send(msg OutgoingMsg) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return host.ErrDisconnected
	}

	applog.Info("ws.send", "action", msg.Action, "id", msg.ID)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Call sends a command and waits for its response. Error responses are
// mapped to the host sentinel errors where the message is recognized.
func (s *Server) Call(ctx context.Context, msg OutgoingMsg) (IncomingMsg, error) {
	msg.ID = uuid.NewString()
	ch := make(chan reply, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, host.ErrDisconnected)
	}
	s.pending[msg.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}()

	if err := s.Send(msg); err != nil {
		return IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, err)
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, r.err)
		}
		if r.msg.OK != nil && !*r.msg.OK {
			if sentinel := host.ClassifyError(r.msg.Error); sentinel != nil {
				return r.msg, fmt.Errorf("%s: %s: %w", msg.Action, r.msg.Error, sentinel)
			}
			return r.msg, fmt.Errorf("%s: %s", msg.Action, r.msg.Error)
		}
		return r.msg, nil
	case <-timer.C:
		applog.Info("ws.timeout", "action", msg.Action, "id", msg.ID)
		return IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, host.ErrTimeout)
	case <-ctx.Done():
		return IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, ctx.Err())
	}
}

func (s *Server) deliver(msg IncomingMsg) {
	if msg.Type == "" && msg.ID != "" {
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if !ok {
			applog.Info("ws.orphan", "id", msg.ID)
			return
		}
		select {
		case ch <- reply{msg: msg}:
		default:
		}
		return
	}
	select {
	case s.msgs <- msg:
	default:
		applog.Error("ws.drop", errors.New("event queue full"), "type", msg.Type)
	}
}

// failPending answers every waiting call with err. Must be called with s.mu
// held.
func (s *Server) failPending(err error) {
	for id, ch := range s.pending {
		select {
		case ch <- reply{err: err}:
		default:
		}
		delete(s.pending, id)
	}
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("websocket accept: %v", err)
			applog.Error("ws.accept", err)
			return
		}

		conn.SetReadLimit(16 << 20) // page HTML from scrape-branch can be large

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			applog.Info("ws.replaced")
			s.failPending(host.ErrDisconnected)
			s.conn.CloseNow()
		}
		s.conn = conn
		s.connCtx = ctx
		s.mu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)
		s.deliver(IncomingMsg{Type: EventConnected})

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.connCtx = nil
				s.failPending(host.ErrDisconnected)
			}
			s.mu.Unlock()
			conn.CloseNow()
			applog.Info("ws.disconnected")
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg IncomingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			if msg.Type != "" {
				applog.Info("ws.recv", "type", msg.Type)
			}
			s.deliver(msg)
		}
	})
}

// ListenAndServe starts the WebSocket server on the configured port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
