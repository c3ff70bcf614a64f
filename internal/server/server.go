// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/search"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8787

	// DefaultHost binds the server to loopback.
	DefaultHost = "127.0.0.1"

	// DefaultMaxBodyBytes caps request bodies (1MB).
	DefaultMaxBodyBytes = 1 * 1024 * 1024

	// Version is the server version.
	Version = "1.0.0"

	streamBufferSize = 4096
)

// Client-facing error messages.
const (
	MsgInvalidShape   = "Formato de mensagens inválido"
	MsgTooManyTurns   = "Número de mensagens excede o limite"
	MsgInvalidTurn    = "Mensagem inválida"
	MsgTurnTooLong    = "Mensagem muito longa"
	MsgBodyTooLarge   = "Corpo da requisição muito grande"
	MsgRateLimited    = "Limite de requisições excedido. Tente novamente mais tarde."
	MsgQuotaExhausted = "Créditos insuficientes. Adicione créditos ao seu workspace."
	MsgGateway        = "Erro no gateway de IA"
	MsgNotConfigured  = "Gateway de IA não configurado"
	MsgUnknown        = "Erro desconhecido"
	MsgMissingQuery   = "Query de busca não fornecida"
	MsgSearchFailed   = "Erro ao buscar na web"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the relay HTTP server.
type Server struct {
	host    string
	port    int
	maxBody int64

	readTimeout time.Duration
	idleTimeout time.Duration

	router  *http.ServeMux
	server  *http.Server
	cors    *CORSConfig
	limiter *RateLimiter
	logger  zerolog.Logger

	relay    *relay.Relay
	searcher search.Searcher

	mu sync.RWMutex
}

// NewServer creates a new Server with the specified port.
// If port is 0, the default port (8787) is used.
func NewServer(port int) *Server {
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		host:        DefaultHost,
		port:        port,
		maxBody:     DefaultMaxBodyBytes,
		readTimeout: 30 * time.Second,
		idleTimeout: 120 * time.Second,
		router:      http.NewServeMux(),
		cors:        DefaultCORSConfig(),
		logger:      log.Logger,
	}

	s.setupRoutes()
	return s
}

// WithHost sets the listen host.
func (s *Server) WithHost(host string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if host != "" {
		s.host = host
	}
	return s
}

// WithRelay sets the chat relay.
func (s *Server) WithRelay(r *relay.Relay) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = r
	return s
}

// WithSearcher sets the backend of /web-search. Nil disables the route.
func (s *Server) WithSearcher(searcher search.Searcher) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searcher = searcher
	return s
}

// WithMaxBodyBytes sets the request body cap.
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxBody = n
	}
	return s
}

// WithCORSOrigins replaces the allowed origins.
func (s *Server) WithCORSOrigins(origins []string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(origins) > 0 {
		s.cors.AllowedOrigins = origins
	}
	return s
}

// WithTimeouts sets the read and idle timeouts. There is no write timeout
// since replies stream for as long as the gateway keeps sending.
func (s *Server) WithTimeouts(read, idle time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if read > 0 {
		s.readTimeout = read
	}
	if idle > 0 {
		s.idleTimeout = idle
	}
	return s
}

// WithRateLimit limits each client IP to perMinute requests. Zero or less
// disables limiting.
func (s *Server) WithRateLimit(perMinute int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = NewRateLimiter(perMinute)
	return s
}

// WithLogger sets the request logger.
func (s *Server) WithLogger(logger zerolog.Logger) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /chat", s.handleChat)
	s.router.HandleFunc("POST /web-search", s.handleWebSearch)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlerLocked()
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// chatRequest is the body of POST /chat. Messages stay raw so that shape
// errors are classified by relay.ParseTurns.
type chatRequest struct {
	Messages  json.RawMessage `json:"messages"`
	HasImages bool            `json:"hasImages"`
}

// handleChat handles POST /chat. The gateway's SSE body is copied through
// unparsed and flushed after every read.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	rl, maxBody := s.relay, s.maxBody
	s.mu.RUnlock()

	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, MsgInvalidShape)
		return
	}

	turns, err := relay.ParseTurns(req.Messages)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rl == nil {
		s.fail(w, r, relay.ErrNotConfigured)
		return
	}

	// hasImages is informational only; attachments never travel upstream.
	log.Debug().
		Str("request_id", r.Header.Get(RequestIDHeader)).
		Int("turns", len(turns)).
		Bool("has_images", req.HasImages).
		Msg("CHAT_REQUEST")

	body, err := rl.Open(r.Context(), turns)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	start := time.Now()
	copied, err := copyFlushing(w, rc, body)
	event := log.Debug()
	if err != nil && r.Context().Err() == nil {
		event = log.Warn().Err(err)
	}
	event.
		Str("request_id", r.Header.Get(RequestIDHeader)).
		Int64("bytes", copied).
		Dur("elapsed", time.Since(start)).
		Msg("RELAY_STREAM_END")
}

// copyFlushing copies src to w, flushing after every read.
func copyFlushing(w io.Writer, rc *http.ResponseController, src io.Reader) (int64, error) {
	buf := make([]byte, streamBufferSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, errors.Wrap(werr, "write to client")
			}
			if ferr := rc.Flush(); ferr != nil {
				return total, errors.Wrap(ferr, "flush")
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, errors.Wrap(err, "read from gateway")
		}
	}
}

// fail maps a relay error to its status and message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)

	event := log.Info()
	if status >= 500 {
		event = log.Warn()
	}
	event.
		Err(err).
		Str("request_id", r.Header.Get(RequestIDHeader)).
		Int("status", status).
		Msg("RELAY_REJECTED")

	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, MsgBodyTooLarge
	case errors.Is(err, relay.ErrInvalidShape):
		return http.StatusBadRequest, MsgInvalidShape
	case errors.Is(err, relay.ErrTooManyTurns):
		return http.StatusBadRequest, MsgTooManyTurns
	case errors.Is(err, relay.ErrInvalidTurn):
		return http.StatusBadRequest, MsgInvalidTurn
	case errors.Is(err, relay.ErrTurnTooLong):
		return http.StatusBadRequest, MsgTurnTooLong
	case errors.Is(err, relay.ErrRateLimited):
		return http.StatusTooManyRequests, MsgRateLimited
	case errors.Is(err, relay.ErrQuotaExhausted):
		return http.StatusPaymentRequired, MsgQuotaExhausted
	case errors.Is(err, relay.ErrUpstream):
		return http.StatusInternalServerError, MsgGateway
	case errors.Is(err, relay.ErrNotConfigured):
		return http.StatusInternalServerError, MsgNotConfigured
	default:
		return http.StatusInternalServerError, MsgUnknown
	}
}

// ============================================================================
// WEB SEARCH HANDLER
// ============================================================================

// handleWebSearch handles POST /web-search with body {"query": string}.
func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	searcher, maxBody := s.searcher, s.maxBody
	s.mu.RUnlock()

	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req struct {
		Query json.RawMessage `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, MsgMissingQuery)
		return
	}

	var query string
	if err := json.Unmarshal(req.Query, &query); err != nil || strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, MsgMissingQuery)
		return
	}

	if searcher == nil {
		log.Warn().Msg("SEARCH_DISABLED")
		writeError(w, http.StatusInternalServerError, MsgSearchFailed)
		return
	}

	results, err := searcher.Search(r.Context(), query)
	if err != nil {
		log.Warn().
			Err(err).
			Str("request_id", r.Header.Get(RequestIDHeader)).
			Msg("SEARCH_FAILED")
		writeError(w, http.StatusInternalServerError, MsgSearchFailed)
		return
	}
	if results == nil {
		results = []search.Result{}
	}

	writeJSON(w, http.StatusOK, search.Response{Results: results})
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response. It never carries
// credentials.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Gateway string `json:"gateway"`
	Search  string `json:"search"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	rl, searcher := s.relay, s.searcher
	s.mu.RUnlock()

	health := HealthResponse{
		Status:  "ok",
		Version: Version,
		Gateway: "not_configured",
		Search:  "disabled",
	}
	if rl != nil && rl.Configured() {
		health.Gateway = "configured"
	} else {
		health.Status = "degraded"
	}
	if searcher != nil {
		health.Search = "enabled"
	}

	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on Addr and serves until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.Addr())
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.handlerLocked(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("version", Version).
		Msg("SERVER_START")
	return srv.Serve(ln)
}

// handlerLocked builds the middleware chain; s.mu must be held.
func (s *Server) handlerLocked() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		CORSMiddleware(s.cors),
		RateLimitMiddleware(s.limiter),
	)(s.router)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}

	log.Info().Msg("SERVER_SHUTDOWN")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("WRITE_FAILED")
	}
}

// writeError writes {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
