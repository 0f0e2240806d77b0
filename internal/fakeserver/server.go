package fakeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/g960059/window/internal/api"
	"github.com/g960059/window/internal/protocol"
)

// Replier scripts the server's answer to one message.send.
type Replier func(msg protocol.MessageSend) []protocol.Event

// Server is an in-process Window Protocol agent for tests and local demos.
type Server struct {
	apiKey string
	router *mux.Router
	log    logr.Logger

	mu             sync.Mutex
	status         api.StatusResponse
	statusCode     int
	messages       []api.MessageItem
	messagesCode   int
	replier        Replier
	conns          map[*websocket.Conn]context.CancelFunc
	statusRequests int
	received       chan protocol.MessageSend
}

type Option func(*Server)

func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithReplier(r Replier) Option {
	return func(s *Server) { s.replier = r }
}

func New(apiKey string, opts ...Option) *Server {
	tokens := 1200
	s := &Server{
		apiKey: apiKey,
		log:    logr.Discard(),
		status: api.StatusResponse{
			Agent:            "fake-agent",
			Status:           "idle",
			ContextRemaining: 0.9,
			TokensUsed:       &tokens,
		},
		statusCode:   http.StatusOK,
		messagesCode: http.StatusOK,
		conns:        make(map[*websocket.Conn]context.CancelFunc),
		received:     make(chan protocol.MessageSend, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithName("fakeserver")
	s.router = mux.NewRouter()
	s.router.HandleFunc("/status", s.authorized(s.handleStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/messages", s.authorized(s.handleMessages)).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) SetStatus(status api.StatusResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// FailStatus makes /status answer with code; http.StatusOK restores it.
func (s *Server) FailStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCode = code
}

func (s *Server) SetMessages(items []api.MessageItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]api.MessageItem(nil), items...)
}

func (s *Server) FailMessages(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesCode = code
}

func (s *Server) SetReplier(r Replier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replier = r
}

// StatusRequests counts /status calls, including failed ones.
func (s *Server) StatusRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusRequests
}

// Received yields every message.send the server read.
func (s *Server) Received() <-chan protocol.MessageSend {
	return s.received
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast sends ev to every open realtime connection.
func (s *Server) Broadcast(ctx context.Context, ev protocol.Event) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return s.BroadcastRaw(ctx, frame)
}

// BroadcastRaw sends frame verbatim, which lets tests inject malformed input.
func (s *Server) BroadcastRaw(ctx context.Context, frame []byte) error {
	for _, conn := range s.snapshotConns() {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every realtime connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*websocket.Conn]context.CancelFunc)
	s.mu.Unlock()
	for conn, cancel := range conns {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (s *Server) snapshotConns() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeError(w, http.StatusUnauthorized, "E_AUTH", "invalid api key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.statusRequests++
	code, status := s.statusCode, s.status
	s.mu.Unlock()
	if code != http.StatusOK {
		writeError(w, code, "E_UNAVAILABLE", "agent unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	code, items := s.messagesCode, append([]api.MessageItem(nil), s.messages...)
	s.mu.Unlock()
	if code != http.StatusOK {
		writeError(w, code, "E_HISTORY", "history unavailable")
		return
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "invalid before")
			return
		}
		kept := items[:0]
		for _, item := range items {
			ts, err := time.Parse(time.RFC3339Nano, item.Timestamp)
			if err != nil || ts.Before(before) {
				kept = append(kept, item)
			}
		}
		items = kept
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	writeJSON(w, http.StatusOK, api.MessagesEnvelope{Messages: items})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.URL.Query().Get("token")) != s.apiKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error(err, "accept websocket")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conns[conn] = cancel
	status := s.status
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.conns[conn]; ok {
			delete(s.conns, conn)
		}
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	hello := protocol.Connected{
		Agent:            status.Agent,
		Status:           status.Status,
		ContextRemaining: status.ContextRemaining,
		TokensUsed:       status.TokensUsed,
	}
	if frame, err := protocol.Encode(hello); err == nil {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.DecodeSend(data)
		if err != nil {
			s.log.Info("ignoring client frame", "reason", err.Error())
			continue
		}
		select {
		case s.received <- msg:
		default:
		}
		s.mu.Lock()
		replier := s.replier
		s.mu.Unlock()
		if replier == nil {
			continue
		}
		for _, ev := range replier(msg) {
			frame, err := protocol.Encode(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

// EchoReplier streams the content back word by word and completes it.
func EchoReplier(msg protocol.MessageSend) []protocol.Event {
	words := strings.Fields(msg.Content)
	events := make([]protocol.Event, 0, len(words)+1)
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		events = append(events, protocol.MessageStream{ReplyTo: msg.ID, Delta: word})
	}
	events = append(events, protocol.MessageComplete{
		ReplyTo:   msg.ID,
		ID:        "final_" + msg.ID,
		Content:   strings.Join(words, " "),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	return events
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, api.ErrorResponse{Error: api.APIError{Code: errCode, Message: message}})
}
