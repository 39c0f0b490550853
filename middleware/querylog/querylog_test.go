package querylog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
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

func Test_QueryLogRing(t *testing.T) {
	cfg := new(config.Config)
	cfg.QueryLogSize = 4

	q := New(cfg)
	assert.Equal(t, "querylog", q.Name())

	for i := 0; i < 6; i++ {
		q.Append(Entry{Domain: fmt.Sprintf("d%d.example.", i), Time: time.Now()})
	}

	// capacity bounds the buffer, oldest entries get overwritten
	assert.Equal(t, 4, q.Len())

	entries := q.Entries(0)
	require.Len(t, entries, 4)
	assert.Equal(t, "d5.example.", entries[0].Domain)
	assert.Equal(t, "d2.example.", entries[3].Domain)

	entries = q.Entries(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "d5.example.", entries[0].Domain)
	assert.Equal(t, "d4.example.", entries[1].Domain)
}

func Test_QueryLogServeDNS(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "access.log")

	cfg := new(config.Config)
	cfg.QueryLogSize = 16
	cfg.AccessLog = logPath

	q := New(cfg)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{q, &answerer{}})
	ch.Reset(mock.NewWriter("udp", "10.0.0.9:0"), req)
	ch.Next(context.Background())

	require.Equal(t, 1, q.Len())

	entry := q.Entries(1)[0]
	assert.Equal(t, "example.com.", entry.Domain)
	assert.Equal(t, "A", entry.Qtype)
	assert.Equal(t, "NOERROR", entry.Rcode)
	assert.Equal(t, "10.0.0.9", entry.Client)
	assert.Equal(t, "udp", entry.Proto)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"example.com. IN A"`)
	assert.Contains(t, string(data), "10.0.0.9 -")
	assert.True(t, strings.HasSuffix(string(data), "\n"))
}

func Test_QueryLogUnansweredSkipped(t *testing.T) {
	cfg := new(config.Config)
	cfg.QueryLogSize = 16

	q := New(cfg)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	// nothing downstream writes, nothing gets logged
	ch := middleware.NewChain([]middleware.Handler{q})
	ch.Reset(mock.NewWriter("udp", "10.0.0.9:0"), req)
	ch.Next(context.Background())

	assert.Equal(t, 0, q.Len())
}
