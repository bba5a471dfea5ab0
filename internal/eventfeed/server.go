package eventfeed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/transcript"
)

const authTokenLength = 32

var ErrNoCanceller = errors.New("eventfeed: cancellation not available")

// Canceller stops a running unit. *orchestrator.Orchestrator satisfies it.
type Canceller interface {
	Cancel(unitID string) error
}

// Options configure a Server. Broker and Canceller are optional.
type Options struct {
	Arena     *transcript.Arena
	Broker    *approval.Broker
	Canceller Canceller
	// Token is generated when empty.
	Token string
}

// Server exposes the feed and the approval endpoints.
type Server struct {
	arena     *transcript.Arena
	broker    *approval.Broker
	canceller Canceller
	authToken string
	hub       *Hub
	router    *httprouter.Router
	upgrader  websocket.Upgrader
	log       *logger.Logger

	httpServer *http.Server
	detach     []func()
}

// NewServer subscribes to the arena and broker. Call Close to detach.
func NewServer(opts Options, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Arena == nil {
		return nil, errors.New("eventfeed: arena is required")
	}
	token := opts.Token
	if token == "" {
		var err error
		if token, err = generateAuthToken(); err != nil {
			return nil, fmt.Errorf("failed to generate auth token: %w", err)
		}
	}

	s := &Server{
		arena:     opts.Arena,
		broker:    opts.Broker,
		canceller: opts.Canceller,
		authToken: token,
		router:    httprouter.New(),
		log:       log.Named("feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients authenticate with the token; origin is not checked.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.hub = NewHub(s.log)
	go s.hub.Run()

	s.detach = append(s.detach, opts.Arena.Subscribe(&observer{hub: s.hub}))
	if opts.Broker != nil {
		s.detach = append(s.detach, opts.Broker.OnRequest(func(req approval.Request) {
			s.hub.Broadcast(&Event{Type: EventApprovalRequest, UnitID: req.UnitID, Approval: &req, Timestamp: time.Now()})
		}))
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws", s.auth(s.handleWebSocket))
	s.router.GET("/units", s.auth(s.handleUnits))
	s.router.GET("/units/:id", s.auth(s.handleUnit))
	s.router.POST("/units/:id/cancel", s.auth(s.handleCancel))
	s.router.GET("/approvals", s.auth(s.handleApprovals))
	s.router.POST("/approvals/:id", s.auth(s.handleApproval))
	s.router.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.ClientCount()})
	})
}

// Handler is the HTTP handler for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Token() string { return s.authToken }

func (s *Server) Hub() *Hub { return s.hub }

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 60 * time.Second,
	}
	s.log.Info("event feed listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr, e.g. "localhost:8937".
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Close detaches from the arena and broker, stops the hub and shuts the
// HTTP server down.
func (s *Server) Close() error {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
	s.hub.Stop()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token != s.authToken {
			s.log.Warn("rejected %s %s: invalid auth token", r.Method, r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket: %v", err)
		return
	}
	client := newClient(s, conn)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleUnits(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.arena.List())
}

func (s *Server) handleUnit(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	u, ok := s.arena.Get(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, transcript.ErrUnknownUnit)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if err := s.cancel(ps.ByName("id")); err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrNoCanceller) {
			status = http.StatusNotImplemented
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleApprovals(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.broker == nil {
		writeJSON(w, http.StatusOK, []approval.Request{})
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Pending())
}

type approvalBody struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body approvalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if err := s.resolve(ps.ByName("id"), body.Approved); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolve(id string, approved bool) error {
	if s.broker == nil {
		return approval.ErrUnknownRequest
	}
	if err := s.broker.Resolve(id, approved); err != nil {
		return err
	}
	s.log.Info("approval %s resolved remotely: approved=%v", id, approved)
	return nil
}

func (s *Server) cancel(unitID string) error {
	if s.canceller == nil {
		return ErrNoCanceller
	}
	return s.canceller.Cancel(unitID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func generateAuthToken() (string, error) {
	bytes := make([]byte, authTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
