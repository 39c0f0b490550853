package recovery

import (
	"context"
	"os"
	"testing"

	"github.com/miekg/dns"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
	"github.com/shieldns/shieldns/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panics struct{}

func (p *panics) Name() string { return "panics" }

func (p *panics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	panic("boom")
}

func Test_recoveryDNS(t *testing.T) {
	stderr := os.Stderr
	os.Stderr, _ = os.Open(os.DevNull)
	defer func() { os.Stderr = stderr }()

	r := New(new(config.Config))
	assert.Equal(t, "recovery", r.Name())

	ch := middleware.NewChain([]middleware.Handler{r, &panics{}})

	mw := mock.NewWriter("udp", "127.0.0.1:0")
	req := new(dns.Msg)
	req.SetQuestion("test.com.", dns.TypeA)

	ch.Reset(mw, req)

	r.ServeDNS(context.Background(), ch)

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Msg().Rcode)
}
