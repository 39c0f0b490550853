package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/engine"
	dnscache "github.com/shieldns/shieldns/middleware/cache"
	"github.com/shieldns/shieldns/middleware/filter"
	"github.com/shieldns/shieldns/middleware/querylog"
	"github.com/shieldns/shieldns/middleware/ratelimit"
	"github.com/shieldns/shieldns/middleware/resolver"
	"github.com/shieldns/shieldns/middleware/risk"
	"github.com/shieldns/shieldns/middleware/threat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upstreamHits atomic.Int64

func TestMain(m *testing.M) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(zlog.LevelDebug)
	zlog.SetDefault(logger)

	os.Exit(m.Run())
}

func startUpstream() (string, func()) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	s := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		upstreamHits.Add(1)

		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP("192.0.2.7"),
		})
		_ = w.WriteMsg(m)
	})}
	go func() { _ = s.ActivateAndServe() }()

	return pc.LocalAddr().String(), func() { _ = s.Shutdown() }
}

func testAPI(upstream string) *API {
	cfg := new(config.Config)
	cfg.UpstreamServers = []string{upstream}
	cfg.Timeout = config.Duration(500 * time.Millisecond)
	cfg.Nullroute = "0.0.0.0"
	cfg.Nullroutev6 = "::"
	cfg.Blocklist = []string{"blocked.example.com"}
	cfg.RiskWorkers = 1
	cfg.API = "127.0.0.1:0"

	e := engine.NewFromComponents(cfg, engine.Components{
		Filter:    filter.New(cfg),
		Cache:     dnscache.New(cfg),
		RateLimit: ratelimit.New(cfg),
		Resolver:  resolver.New(cfg),
		Risk:      risk.New(cfg),
		Threat:    threat.New(cfg),
		QueryLog:  querylog.New(cfg),
	})

	return New(cfg, e)
}

func doGet(t *testing.T, a *API, path string) (int, Json) {
	t.Helper()

	w := httptest.NewRecorder()
	r, err := http.NewRequest("GET", path, nil)
	require.NoError(t, err)
	r.RemoteAddr = "192.168.5.5:4242"

	a.ServeHTTP(w, r)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	var out Json
	require.NoError(t, json.Unmarshal(body, &out))

	return w.Code, out
}

func Test_APIResolve(t *testing.T) {
	addr, stop := startUpstream()
	defer stop()

	a := testAPI(addr)

	code, out := doGet(t, a, "/api/v1/resolve/example.com?type=A")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "answered", out["status"])
	assert.Equal(t, "NOERROR", out["rcode"])

	answers := out["answers"].([]any)
	require.Len(t, answers, 1)
	assert.Equal(t, "192.0.2.7", answers[0].(map[string]any)["data"])
}

func Test_APIResolveBlocked(t *testing.T) {
	addr, stop := startUpstream()
	defer stop()

	a := testAPI(addr)

	before := upstreamHits.Load()

	code, out := doGet(t, a, "/api/v1/resolve/blocked.example.com")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "blocked", out["status"])
	assert.Equal(t, "custom", out["category"])
	assert.Equal(t, before, upstreamHits.Load())
}

func Test_APIResolveBadType(t *testing.T) {
	addr, stop := startUpstream()
	defer stop()

	a := testAPI(addr)

	code, _ := doGet(t, a, "/api/v1/resolve/example.com?type=NOSUCH")
	assert.Equal(t, http.StatusBadRequest, code)
}

func Test_APIFilterOps(t *testing.T) {
	addr, stop := startUpstream()
	defer stop()

	a := testAPI(addr)

	code, out := doGet(t, a, "/api/v1/block/exists/ads.example.org")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["exists"])

	code, out = doGet(t, a, "/api/v1/block/set/ads.example.org?category=ads")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])

	code, out = doGet(t, a, "/api/v1/block/exists/ads.example.org")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["exists"])

	code, out = doGet(t, a, "/api/v1/allow/set/ads.example.org")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])

	// allow wins over block
	code, out = doGet(t, a, "/api/v1/block/exists/ads.example.org")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["exists"])

	code, out = doGet(t, a, "/api/v1/allow/remove/ads.example.org")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])

	code, out = doGet(t, a, "/api/v1/block/remove/ads.example.org")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])
}

func Test_APIAnalyze(t *testing.T) {
	addr, stop := startUpstream()
	defer stop()

	a := testAPI(addr)

	code, out := doGet(t, a, "/api/v1/analyze/coinhive.com")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "coinhive.com", out["domain"])
	require.NotNil(t, out["risk"])
	require.NotNil(t, out["threat"])
}

func Test_APIAnomalies(t *testing.T) {
	cfg := new(config.Config)
	cfg.Nullroute = "0.0.0.0"
	cfg.API = "127.0.0.1:0"

	intel := threat.New(cfg)
	defer intel.Close()

	e := engine.NewFromComponents(cfg, engine.Components{Threat: intel})
	a := New(cfg, e)

	for i := 0; i < 150; i++ {
		intel.RecordQuery("203.0.113.77", "burst.example.com", false)
	}

	code, out := doGet(t, a, "/api/v1/anomalies/203.0.113.77")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "203.0.113.77", out["client"])
	require.NotEmpty(t, out["anomalies"])

	// a quiet client has nothing on record
	code, out = doGet(t, a, "/api/v1/anomalies/198.51.100.1")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["anomalies"])
}

func Test_APIStatsAndLog(t *testing.T) {
	addr, stop := startUpstream()
	defer stop()

	a := testAPI(addr)

	doGet(t, a, "/api/v1/resolve/stats.example.com")

	code, out := doGet(t, a, "/api/v1/stats")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, out, "cache")
	require.Contains(t, out, "ratelimit")

	code, out = doGet(t, a, "/api/v1/log?n=10")
	require.Equal(t, http.StatusOK, code)

	entries := out["entries"].([]any)
	require.NotEmpty(t, entries)
	assert.Equal(t, "stats.example.com.", entries[0].(map[string]any)["domain"])
}
