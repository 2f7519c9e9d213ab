// Package server is the HTTP surface of the backend: upload, one-time
// download, status, stats, health probes, and the Prometheus endpoint.
// Handlers translate between HTTP and the service layer; no business
// rules live here.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"securebox/internal/metrics"
	"securebox/internal/service"
)

// Options configures a Server.
type Options struct {
	Addr           string // e.g. ":8080"
	MaxUploadBytes int64  // 0 = unlimited

	Service  *service.Service
	Health   []HealthCheck
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// Server wraps the http.Server and its routes.
type Server struct {
	httpServer *http.Server

	svc            *service.Service
	health         []HealthCheck
	m              *metrics.Metrics
	log            zerolog.Logger
	maxUploadBytes int64
}

// New builds the full route table and middleware chain.
func New(o Options) *Server {
	s := &Server{
		svc:            o.Service,
		health:         o.Health,
		m:              o.Metrics,
		log:            o.Log,
		maxUploadBytes: o.MaxUploadBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /download/{token}", s.handleDownload)
	mux.HandleFunc("POST /download/{token}", s.handleDownload)
	mux.HandleFunc("GET /status/{token}", s.handleStatus)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)
	if o.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	}

	// Wrap middleware: requestID -> logging -> headers -> mux
	var handler http.Handler = mux
	handler = securityHeaders(handler)
	handler = s.logging(handler)
	handler = requestID(handler)

	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// errorBody is the uniform JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
