package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
	"github.com/shieldns/shieldns/mock"
	"github.com/shieldns/shieldns/server/doh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHandler struct{}

func (s *staticHandler) Name() string { return "static" }

func (s *staticHandler) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("192.0.2.1"),
	})

	_ = w.WriteMsg(msg)
	ch.Cancel()
}

func TestMain(m *testing.M) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(zlog.LevelDebug)
	zlog.SetDefault(logger)

	middleware.Register("static", func(cfg *config.Config) middleware.Handler { return &staticHandler{} })
	if err := middleware.Setup(new(config.Config)); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func Test_ServerServeDNS(t *testing.T) {
	s := New(&config.Config{Bind: "127.0.0.1:0"})

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	mw := mock.NewWriter("udp", "127.0.0.1:0")
	s.ServeDNS(mw, req)

	require.True(t, mw.Written())
	require.Len(t, mw.Msg().Answer, 1)
}

func Test_ServerServeHTTPJSON(t *testing.T) {
	s := New(&config.Config{Bind: "127.0.0.1:0"})

	w := httptest.NewRecorder()
	request, err := http.NewRequest("GET", "/dns-query?name=example.com&type=a", nil)
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"

	s.ServeHTTP(w, request)

	require.Equal(t, http.StatusOK, w.Code)

	data, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	var dm doh.Msg
	require.NoError(t, json.Unmarshal(data, &dm))
	require.Len(t, dm.Answer, 1)
	assert.Equal(t, "192.0.2.1", dm.Answer[0].Data)
}

func Test_ServerDefaults(t *testing.T) {
	cfg := new(config.Config)
	s := New(cfg)

	assert.Equal(t, ":53", cfg.Bind)
	assert.Equal(t, ":53", s.addr)
}

func Test_ServerShutdown(t *testing.T) {
	s := New(&config.Config{Bind: "127.0.0.1:0", BindDOH: "127.0.0.1:0"})

	// no listeners started, shutdown is a no-op
	s.Shutdown(context.Background())
	assert.Nil(t, s.dnsSrvs)
}
