// Package driver serves the control API of the BreakingPoint driver.
//
// The host calls /rpc with a JSON envelope naming the method, the
// reservation it runs for, and the method's params. Each method maps onto a
// session operation. /health and /metrics are served next to it.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hopboxdev/bpshell/internal/session"
)

// maxRPCBodySize caps the request body on /rpc.
const maxRPCBodySize = 1 << 20 // 1 MiB

const shutdownTimeout = 10 * time.Second

// rpcRequest is the JSON-RPC request envelope.
type rpcRequest struct {
	Method        string          `json:"method"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC response envelope.
type rpcResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type handlerFunc func(ctx context.Context, req rpcRequest) (any, error)

// Server is the driver's HTTP control API.
type Server struct {
	sessions *session.Manager
	gatherer prometheus.Gatherer
	logger   *log.Logger
	requests *prometheus.CounterVec
	methods  map[string]handlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request logs.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry registers the server's metrics on reg and serves everything
// gathered from it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		reg.MustRegister(s.requests)
		s.gatherer = reg
	}
}

// New returns a Server that runs RPCs against the sessions of m.
func New(m *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessions: m,
		gatherer: prometheus.NewRegistry(),
		logger:   log.New(io.Discard),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpshell_rpc_requests_total",
			Help: "RPC requests handled, by method and HTTP status code.",
		}, []string{"method", "code"}),
	}
	s.methods = map[string]handlerFunc{
		"load_config":         s.rpcLoadConfig,
		"start_traffic":       s.rpcStartTraffic,
		"stop_traffic":        s.rpcStopTraffic,
		"get_statistics":      s.rpcGetStatistics,
		"get_results":         s.rpcGetResults,
		"get_test_file":       s.rpcGetTestFile,
		"cleanup_reservation": s.rpcCleanup,
		"groups.list":         s.rpcGroupsList,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP mux for the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the API on listener until ctx is cancelled, then shuts down
// gracefully. Requests still running get shutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	s.logger.Info("control API listening", "addr", listener.Addr().String())

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control API shutdown", "err", err)
	}
	return <-done
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"reservations": len(s.sessions.Reservations()),
		"groups":       len(s.sessions.Groups()),
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodySize)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeRPCError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		s.requests.WithLabelValues("unknown", strconv.Itoa(http.StatusNotFound)).Inc()
		writeRPCError(w, http.StatusNotFound, fmt.Sprintf("unknown method: %s", req.Method))
		return
	}

	start := time.Now()
	result, err := handler(r.Context(), req)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	s.requests.WithLabelValues(req.Method, strconv.Itoa(status)).Inc()

	logger := s.logger.With("method", req.Method, "reservation", req.ReservationID, "took", time.Since(start).Round(time.Millisecond))
	if err != nil {
		logger.Error("rpc failed", "status", status, "err", err)
		writeRPCError(w, status, err.Error())
		return
	}
	logger.Debug("rpc done")
	writeRPCResult(w, result)
}

func writeRPCResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{Result: result})
}

func writeRPCError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcResponse{Error: msg})
}
