package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/balancer"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/hub"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/ledger"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/proxy"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/upstream"
)

// Deps carries everything the management server exposes.
type Deps struct {
	Claude *upstream.Store
	Codex  *upstream.Store

	Balancer *balancer.Balancer

	Ledger    *ledger.Ledger
	LedgerSvc *ledger.Service

	ClaudeHub *hub.Hub
	CodexHub  *hub.Hub

	// MaxBodyBytes limits management request bodies; 0 disables the
	// limit.
	MaxBodyBytes int64
}

// Server wraps the management HTTP server and its mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the management server wired with all routes.
func NewServer(port int, deps Deps) *Server {
	return NewServerWithAddress("", port, deps)
}

// NewServerWithAddress creates the management server with an explicit
// listen address.
func NewServerWithAddress(listenAddress string, port int, deps Deps) *Server {
	mux := http.NewServeMux()
	var rec proxy.LedgerEmitter
	if deps.LedgerSvc != nil {
		rec = deps.LedgerSvc
	}
	tester := NewConnectivityTester(rec)

	api := http.NewServeMux()
	api.Handle("GET /api/status", HandleStatus())

	api.Handle("GET /api/configs/separated", HandleListSeparatedConfigs(deps.Claude, deps.Codex))

	registerConfigRoutes(api, "claude", deps.Claude, tester)
	registerConfigRoutes(api, "codex", deps.Codex, tester)

	// Legacy unprefixed routes operate on the claude pool.
	api.Handle("GET /api/configs", HandleListConfigs(deps.Claude))
	api.Handle("POST /api/configs", HandleCreateConfig(deps.Claude))
	api.Handle("PUT /api/configs/{name}", HandleUpdateConfig(deps.Claude))
	api.Handle("DELETE /api/configs/{name}", HandleDeleteConfig(deps.Claude))
	api.Handle("POST /api/configs/{name}/activate", HandleActivateConfig(deps.Claude))

	api.Handle("GET /api/logs", HandleListLogs(deps.Ledger))
	api.Handle("GET /api/logs/{id}", HandleGetLog(deps.Ledger))

	api.Handle("GET /api/loadbalancer", HandleGetLoadBalancer(deps.Balancer))
	api.Handle("PUT /api/loadbalancer", HandleUpdateLoadBalancer(deps.Balancer))

	limited := RequestBodyLimitMiddleware(deps.MaxBodyBytes, api)
	mux.Handle("/api/", CORSMiddleware(limited))
	mux.Handle("GET /ws/realtime", hub.Realtime(deps.ClaudeHub, deps.CodexHub))
	registerEmbeddedWebUI(mux)

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

func registerConfigRoutes(mux *http.ServeMux, service string, store *upstream.Store, tester *ConnectivityTester) {
	base := "/api/configs/" + service
	mux.Handle("GET "+base, HandleListConfigs(store))
	mux.Handle("POST "+base, HandleCreateConfig(store))
	mux.Handle("PUT "+base+"/{name}", HandleUpdateConfig(store))
	mux.Handle("DELETE "+base+"/{name}", HandleDeleteConfig(store))
	mux.Handle("POST "+base+"/{name}/activate", HandleActivateConfig(store))
	mux.Handle("POST "+base+"/{name}/test/api", HandleTestConfig(service, store, tester))
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
