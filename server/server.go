// Package server listens for queries over UDP, TCP and HTTP and runs each one
// through the middleware chain.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
	"github.com/shieldns/shieldns/mock"
	"github.com/shieldns/shieldns/server/doh"
)

// Server type
type Server struct {
	addr    string
	dohAddr string

	chainPool sync.Pool

	mu      sync.Mutex
	dnsSrvs []*dns.Server
	httpSrv *http.Server
}

// New return new server
func New(cfg *config.Config) *Server {
	if cfg.Bind == "" {
		cfg.Bind = ":53"
	}

	server := &Server{
		addr:    cfg.Bind,
		dohAddr: cfg.BindDOH,
	}

	server.chainPool.New = func() any {
		return middleware.NewChain(middleware.Handlers())
	}

	return server
}

// ServeDNS implements the dns.Handler interface.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)

	ch.Next(context.Background())

	s.chainPool.Put(ch)
}

// ServeHTTP implements the http.Handler interface, dispatching to the wire or
// JSON form of DoH by request shape.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle := func(req *dns.Msg) *dns.Msg {
		mw := mock.NewWriter("tcp", r.RemoteAddr)
		s.ServeDNS(mw, req)

		if !mw.Written() {
			return nil
		}

		return mw.Msg()
	}

	var handlerFn func(http.ResponseWriter, *http.Request)
	if r.Method == http.MethodGet && r.URL.Query().Get("dns") == "" {
		handlerFn = doh.HandleJSON(handle)
	} else {
		handlerFn = doh.HandleWireFormat(handle)
	}

	handlerFn(w, r)
}

// Run starts the listeners.
func (s *Server) Run() {
	go s.ListenAndServeDNS("udp")
	go s.ListenAndServeDNS("tcp")
	go s.ListenAndServeHTTP()
}

// ListenAndServeDNS starts a listener on the configured address and serves
// incoming queries through the chain.
func (s *Server) ListenAndServeDNS(network string) {
	zlog.Info("DNS server listening...", "net", network, "addr", s.addr)

	server := &dns.Server{
		Addr:          s.addr,
		Net:           network,
		Handler:       s,
		MaxTCPQueries: 2048,
		ReusePort:     true,
	}

	s.mu.Lock()
	s.dnsSrvs = append(s.dnsSrvs, server)
	s.mu.Unlock()

	if err := server.ListenAndServe(); err != nil {
		zlog.Error("DNS listener failed", "net", network, "addr", s.addr, "error", err.Error())
	}
}

// ListenAndServeHTTP serves DoH when a listen address is configured. TLS is
// expected to be terminated in front of this listener.
func (s *Server) ListenAndServeHTTP() {
	if s.dohAddr == "" {
		return
	}

	zlog.Info("DNS server listening...", "net", "http", "addr", s.dohAddr)

	srv := &http.Server{
		Addr:         s.dohAddr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Error("DoH listener failed", "net", "http", "addr", s.dohAddr, "error", err.Error())
	}
}

// Shutdown stops all listeners, waiting for in-flight queries up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range s.dnsSrvs {
		_ = srv.ShutdownContext(ctx)
	}
	s.dnsSrvs = nil

	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
		s.httpSrv = nil
	}
}
