// Package api exposes the management HTTP API: on-demand resolution and
// analysis, runtime filter mutation, stats and the query log.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/engine"
	"github.com/shieldns/shieldns/middleware/filter"
	"github.com/shieldns/shieldns/server/doh"
)

// API type
type API struct {
	addr   string
	engine *engine.Engine
	router *http.ServeMux
}

// Json type
type Json map[string]any

var debugpprof bool

func init() {
	_, debugpprof = os.LookupEnv("SHIELDNS_PPROF")
}

// New return new api
func New(cfg *config.Config, e *engine.Engine) *API {
	a := &API{
		addr:   cfg.API,
		engine: e,
		router: http.NewServeMux(),
	}

	a.routes()

	return a
}

func (a *API) routes() {
	a.router.HandleFunc("GET /api/v1/resolve/{domain}", a.resolve)
	a.router.HandleFunc("GET /api/v1/analyze/{domain}", a.analyze)
	a.router.HandleFunc("GET /api/v1/anomalies/{client}", a.anomalies)

	a.router.HandleFunc("GET /api/v1/block/exists/{domain}", a.existsBlock)
	a.router.HandleFunc("GET /api/v1/block/set/{domain}", a.setBlock)
	a.router.HandleFunc("GET /api/v1/block/remove/{domain}", a.removeBlock)
	a.router.HandleFunc("GET /api/v1/allow/set/{domain}", a.setAllow)
	a.router.HandleFunc("GET /api/v1/allow/remove/{domain}", a.removeAllow)

	a.router.HandleFunc("GET /api/v1/stats", a.stats)
	a.router.HandleFunc("GET /api/v1/log", a.log)

	a.router.Handle("GET /metrics", promhttp.Handler())

	if debugpprof {
		a.router.HandleFunc("GET /debug/pprof/", pprof.Index)
		a.router.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
		a.router.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
		a.router.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
		a.router.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	}
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request) {
	qtype := doh.ParseQTYPE(r.URL.Query().Get("type"))
	if qtype == dns.TypeNone {
		writeJSON(w, http.StatusBadRequest, Json{"error": "unknown record type"})
		return
	}

	client := net.ParseIP(r.URL.Query().Get("client"))
	if client == nil {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			client = net.ParseIP(host)
		}
	}

	out := a.engine.ResolveQuery(r.Context(), r.PathValue("domain"), qtype, client)

	status := http.StatusOK
	if out.Status == engine.StatusRateLimited {
		status = http.StatusTooManyRequests
	}

	resp := Json{
		"status":   out.Status,
		"rcode":    dns.RcodeToString[out.Rcode],
		"cached":   out.Cached,
		"risk":     out.Risk,
		"duration": out.Duration.String(),
	}

	if out.Category != "" {
		resp["category"] = out.Category
	}
	if out.Err != nil {
		resp["error"] = out.Err.Error()
	}

	answers := make([]doh.RR, 0, len(out.Answers))
	for _, rr := range out.Answers {
		msg := new(dns.Msg)
		msg.Answer = []dns.RR{rr}
		answers = append(answers, doh.NewMsg(msg).Answer...)
	}
	resp["answers"] = answers

	writeJSON(w, status, resp)
}

func (a *API) analyze(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.AnalyzeDomain(r.PathValue("domain")))
}

func (a *API) anomalies(w http.ResponseWriter, r *http.Request) {
	client := r.PathValue("client")

	writeJSON(w, http.StatusOK, Json{
		"client":    client,
		"anomalies": a.engine.ClientAnomalies(client),
	})
}

func (a *API) existsBlock(w http.ResponseWriter, r *http.Request) {
	d := a.engine.FilterMatch(r.PathValue("domain"))

	writeJSON(w, http.StatusOK, Json{"exists": d.Action == filter.ActionBlock})
}

func (a *API) setBlock(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	a.filterOp(w, engine.OpAddBlock, r.PathValue("domain"), category)
}

func (a *API) removeBlock(w http.ResponseWriter, r *http.Request) {
	a.filterOp(w, engine.OpRemoveBlock, r.PathValue("domain"), "")
}

func (a *API) setAllow(w http.ResponseWriter, r *http.Request) {
	a.filterOp(w, engine.OpAddAllow, r.PathValue("domain"), r.URL.Query().Get("category"))
}

func (a *API) removeAllow(w http.ResponseWriter, r *http.Request) {
	a.filterOp(w, engine.OpRemoveAllow, r.PathValue("domain"), "")
}

func (a *API) filterOp(w http.ResponseWriter, op engine.FilterOp, domain, category string) {
	if err := a.engine.ManageFilter(op, domain, category); err != nil {
		writeJSON(w, http.StatusBadRequest, Json{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, Json{"success": true})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Json{
		"cache":     a.engine.CacheStats(),
		"ratelimit": a.engine.RateLimitStats(),
		"risk":      a.engine.RiskStats(),
		"threat":    a.engine.ThreatStats(),
	})
}

func (a *API) log(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
		n = v
	}

	writeJSON(w, http.StatusOK, Json{"entries": a.engine.QueryLog(n)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP implements the http.Handler interface.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Run starts the API server when an address is configured, stopping it when
// ctx is done.
func (a *API) Run(ctx context.Context) {
	if a.addr == "" {
		return
	}

	srv := &http.Server{
		Addr:    a.addr,
		Handler: a.router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("Start API server failed", "error", err.Error())
		}
	}()

	zlog.Info("API server listening...", "addr", a.addr)

	go func() {
		<-ctx.Done()

		zlog.Info("API server stopping...", "addr", a.addr)

		apiCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(apiCtx); err != nil {
			zlog.Error("Shutdown API server failed", "error", err.Error())
		}
	}()
}
