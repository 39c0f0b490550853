// Package recovery keeps a panicking handler from taking the server down,
// answering SERVFAIL instead.
package recovery

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

const name = "recovery"

// Recovery dummy type.
type Recovery struct{}

// New return recovery
func New(cfg *config.Config) *Recovery {
	return &Recovery{}
}

// Name return middleware name
func (r *Recovery) Name() string { return name }

// ServeDNS implements the Handler interface.
func (r *Recovery) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	defer func() {
		if v := recover(); v != nil {
			ch.CancelWithRcode(dns.RcodeServerFailure, false)

			zlog.Error("Recovered in ServeDNS", "recover", v)

			_, _ = os.Stderr.WriteString(fmt.Sprintf("panic: %v\n\n", v))
			debug.PrintStack()
		}
	}()

	ch.Next(ctx)
}
