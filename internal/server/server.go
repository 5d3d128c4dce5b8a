package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vincentbai/sessiontrace/internal/database"
)

// Forwarder publishes accepted events and decode failures to a broker.
type Forwarder interface {
	Send(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	SendDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// Quarantine keeps a raw payload that failed to decode and returns where.
type Quarantine interface {
	Quarantine(ctx context.Context, sessionID string, raw []byte) (string, error)
}

type Server struct {
	db              *database.Database
	address         string
	server          *http.Server
	logger          *log.Logger
	maxBodyBytes    int64
	allowedOrigins  []string
	shutdownTimeout time.Duration
	forwarder       Forwarder
	quarantine      Quarantine
	now             func() time.Time
}

type Option func(*Server)

func WithLogger(l *log.Logger) Option { return func(s *Server) { s.logger = l } }

func WithMaxBodyBytes(n int64) Option { return func(s *Server) { s.maxBodyBytes = n } }

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

func WithShutdownTimeout(d time.Duration) Option { return func(s *Server) { s.shutdownTimeout = d } }

// WithForwarder enables Kafka forwarding of stored events.
func WithForwarder(f Forwarder) Option { return func(s *Server) { s.forwarder = f } }

// WithQuarantine enables archiving of undecodable snapshot payloads.
func WithQuarantine(q Quarantine) Option { return func(s *Server) { s.quarantine = q } }

func NewServer(db *database.Database, address string, opts ...Option) *Server {
	s := &Server{
		db:              db,
		address:         address,
		logger:          log.Default(),
		maxBodyBytes:    10 << 20,
		allowedOrigins:  []string{"*"},
		shutdownTimeout: 30 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.logger.Printf("Health check failed: %v", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/snapshots", s.handleSnapshots)
	return mux
}

func (s *Server) handler() http.Handler {
	return s.cors(s.setupRoutes())
}

// cors answers preflight requests and marks responses for allowed origins.
// Beacons from the capture engine are cross-origin by nature.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range s.allowedOrigins {
		if o == "*" {
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Printf("SessionTrace collector listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	s.logger.Println("Shutting down server...")

	shutdownContext, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}

	s.logger.Println("Server exited")
	return nil
}
