package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// Group coalesces identical in-flight lookups and forgets the ones that run
// too long so a stuck exchange cannot wedge later queries.
type Group struct {
	group    singleflight.Group
	tracking sync.Map // key -> start time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewGroup creates a group with periodic cleanup.
func NewGroup() *Group {
	g := &Group{stop: make(chan struct{})}

	go g.cleanupLoop()

	return g
}

// Close stops the cleanup goroutine.
func (g *Group) Close() error {
	g.stopOnce.Do(func() { close(g.stop) })
	return nil
}

// Do executes fn once per key, waiting callers share the result. A cancelled
// context abandons the flight for this caller only.
func (g *Group) Do(ctx context.Context, key string, fn func() (*dns.Msg, error)) (*dns.Msg, error) {
	g.tracking.Store(key, time.Now())

	ch := g.group.DoChan(key, func() (any, error) {
		defer g.tracking.Delete(key)
		return fn()
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*dns.Msg), nil
	case <-ctx.Done():
		g.Forget(key)
		return nil, ctx.Err()
	}
}

// Forget removes a key so the next call runs fresh.
func (g *Group) Forget(key string) {
	g.group.Forget(key)
	g.tracking.Delete(key)
}

func (g *Group) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()

			var stuck []string
			g.tracking.Range(func(key, value any) bool {
				if start, ok := value.(time.Time); ok && now.Sub(start) > maxFlightTime {
					stuck = append(stuck, key.(string))
				}
				return true
			})

			for _, key := range stuck {
				g.Forget(key)
			}
		case <-g.stop:
			return
		}
	}
}

const maxFlightTime = 15 * time.Second
