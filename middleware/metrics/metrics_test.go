package metrics

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	dto "github.com/prometheus/client_model/go"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
	"github.com/shieldns/shieldns/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type answerer struct{}

func (a *answerer) Name() string { return "answerer" }
func (a *answerer) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.CancelWithRcode(dns.RcodeSuccess, false)
}

func Test_Metrics(t *testing.T) {
	m := New(new(config.Config))
	assert.Equal(t, "metrics", m.Name())

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{m, &answerer{}})
	ch.Reset(mock.NewWriter("udp", "127.0.0.1:0"), req)
	ch.Next(context.Background())

	counter, err := m.queries.GetMetricWith(testLabels())
	require.NoError(t, err)

	pb := new(dto.Metric)
	require.NoError(t, counter.Write(pb))
	assert.Equal(t, float64(1), pb.GetCounter().GetValue())
}

func testLabels() map[string]string {
	return map[string]string{"qtype": "A", "rcode": "NOERROR"}
}
