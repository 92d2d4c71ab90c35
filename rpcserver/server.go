// Package rpcserver serves a fork over the Substrate JSON-RPC interface, on HTTP and WebSocket at a single address.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crytic/medusa-geth/rpc"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/config"
	"github.com/crytic/subfork/chain/txpool"
	"github.com/crytic/subfork/logging"
)

const (
	// maxRequestSize bounds the body of HTTP requests. Runtime upgrades through dev_setStorage carry whole wasm blobs.
	maxRequestSize = 32 * 1024 * 1024

	// portAttempts is the number of consecutive ports tried when the configured one is taken.
	portAttempts = 10

	shutdownTimeout = 5 * time.Second
)

// Server is the JSON-RPC server of a fork.
type Server struct {
	rpc      *rpc.Server
	router   *mux.Router
	registry *prometheus.Registry
	config   config.RpcServerConfig

	listener   net.Listener
	httpServer *http.Server

	logger *logging.Logger
}

// NewServer registers every namespace for the given chain and pool. Log lines kept by logs are served at /logs when
// logs is not nil.
func NewServer(c *chain.Blockchain, pool *txpool.TxPool, cfg config.RpcServerConfig, logs *logging.LogBufferWriter) (*Server, error) {
	s := &Server{
		rpc:      rpc.NewServer(),
		router:   mux.NewRouter(),
		registry: prometheus.NewRegistry(),
		config:   cfg,
		logger:   logging.GlobalLogger.NewSubLogger("module", logging.RPC_SERVICE),
	}
	s.rpc.SetHTTPBodyLimit(maxRequestSize)

	b := &backend{chain: c, pool: pool, logger: s.logger, instantSeal: cfg.InstantSeal}
	namespaces := map[string]any{
		"chain":       &ChainAPI{b},
		"state":       &StateAPI{b},
		"system":      &SystemAPI{b},
		"author":      &AuthorAPI{b},
		"archive":     &ArchiveAPI{b},
		"chainSpec":   &ChainSpecAPI{b},
		"transaction": newTransactionAPI(b),
		"payment":     &PaymentAPI{b},
		"dev":         &DevAPI{b},
	}
	for name, service := range namespaces {
		if err := s.rpc.RegisterName(name, service); err != nil {
			return nil, fmt.Errorf("failed to register the %s namespace: %w", name, err)
		}
	}

	if err := s.registerMetrics(c, pool); err != nil {
		return nil, err
	}

	s.router.Use(setHeaders)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if logs != nil {
		s.router.HandleFunc("/logs", logsHandler(logs)).Methods(http.MethodGet)
	}
	s.router.PathPrefix("/").Handler(s.rpcHandler())
	return s, nil
}

func (s *Server) registerMetrics(c *chain.Blockchain, pool *txpool.TxPool) error {
	return errors.Join(
		s.registry.Register(collectors.NewGoCollector()),
		s.registry.Register(c.StorageLayer().Remote().Stats()),
		s.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "subfork",
			Name:      "head_number",
			Help:      "Number of the head block of the fork.",
		}, func() float64 { return float64(c.Head().Number) })),
		s.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "subfork",
			Name:      "pending_extrinsics",
			Help:      "Extrinsics waiting for the next block.",
		}, func() float64 { return float64(pool.Len()) })),
	)
}

// rpcHandler dispatches WebSocket upgrades and plain HTTP requests to the rpc server.
func (s *Server) rpcHandler() http.Handler {
	ws := s.rpc.WebsocketHandler([]string{"*"})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocket(r) {
			ws.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		s.rpc.ServeHTTP(w, r)
	})
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// setHeaders adds the CORS headers browser based wallets and explorers need.
func setHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		next.ServeHTTP(w, r)
	})
}

// logsHandler serves the most recent log lines. The optional limit query parameter bounds their number.
func logsHandler(logs *logging.LogBufferWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			var err error
			if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"logs": logs.Entries(limit)}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address. When the port is taken the next ones are tried. It returns the bound address.
func (s *Server) Listen() (net.Addr, error) {
	port := int(s.config.Port)
	var (
		listener net.Listener
		err      error
	)
	for i := 0; i < portAttempts; i++ {
		listener, err = net.Listen("tcp", net.JoinHostPort(s.config.Address, strconv.Itoa(port)))
		if err == nil {
			break
		}
		if port == 0 {
			return nil, err
		}
		s.logger.Info("Server failed to start on port ", port)
		port++
	}
	if listener == nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	s.listener = netutil.LimitListener(listener, s.config.MaxConnections)
	s.httpServer = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("Server started on ", listener.Addr())
	return listener.Addr(), nil
}

// Serve serves requests until the context is cancelled or the server fails. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	serverErrorChan := make(chan error, 1)
	go func() {
		serverErrorChan <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server due to context cancellation")
		return s.Close()
	case err := <-serverErrorChan:
		s.rpc.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops the server and waits for in-flight HTTP requests. WebSocket connections are closed.
func (s *Server) Close() error {
	s.rpc.Stop()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
