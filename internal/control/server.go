// Package control provides a Unix socket admin interface for a running
// rakgate server.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/recovery"
)

// ErrNotFound is returned by a Console when the named player is not online.
var ErrNotFound = errors.New("player not found")

// Console is the server surface exposed on the control socket.
type Console interface {
	// Status returns a snapshot of the server.
	Status() StatusResponse

	// Players lists the spawned players.
	Players(ctx context.Context) ([]PlayerInfo, error)

	// Kick disconnects the named player with reason.
	Kick(ctx context.Context, name, reason string) error

	// Block drops traffic from address for d.
	Block(ctx context.Context, address string, d time.Duration) error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Running     bool   `json:"running"`
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint"`
	Sessions    int    `json:"sessions"`
	MaxPlayers  int    `json:"max_players"`
	Uptime      string `json:"uptime"`
}

// PlayerInfo describes one spawned player.
type PlayerInfo struct {
	Name      string `json:"name"`
	ClientID  int64  `json:"client_id"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Encrypted bool   `json:"encrypted"`
}

// PlayersResponse is the response for the players endpoint.
type PlayersResponse struct {
	Players []PlayerInfo `json:"players"`
}

// KickRequest is the body of a kick request.
type KickRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// BlockRequest is the body of a block request. Duration uses
// time.ParseDuration syntax.
type BlockRequest struct {
	Address  string `json:"address"`
	Duration string `json:"duration"`
}

// ErrorResponse carries a failed request's message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	// RequestTimeout bounds how long a command waits for the tick loop.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:     "./rakgate.sock",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Server is a Unix socket HTTP server for admin commands.
type Server struct {
	cfg      ServerConfig
	console  Console
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, console Console) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultServerConfig().RequestTimeout
	}
	s := &Server{
		cfg:     cfg,
		console: console,
		logger:  logging.Component(cfg.Logger, "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/players", s.handlePlayers)
	mux.HandleFunc("/kick", s.handleKick)
	mux.HandleFunc("/block", s.handleBlock)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "control.serve")
		s.server.Serve(ln)
	}()

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.console.Status())
}

// handlePlayers handles the players endpoint.
func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	players, err := s.console.Players(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if players == nil {
		players = []PlayerInfo{}
	}
	writeJSON(w, http.StatusOK, PlayersResponse{Players: players})
}

// handleKick handles the kick endpoint.
func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req KickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.console.Kick(ctx, req.Name, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("player kicked", "name", req.Name, logging.KeyReason, req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

// handleBlock handles the block endpoint.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "address is required"})
		return
	}
	if net.ParseIP(req.Address) == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "address must be an IP"})
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "duration must be positive"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.console.Block(ctx, req.Address, d); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("address blocked", logging.KeyAddress, req.Address, logging.KeyDuration, d)
	w.WriteHeader(http.StatusNoContent)
}
