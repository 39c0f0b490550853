package middleware

import (
	"context"
	"testing"

	"github.com/shieldns/shieldns/config"
	"github.com/stretchr/testify/assert"
)

type dummy struct{}

func (d *dummy) ServeDNS(ctx context.Context, ch *Chain) { ch.Next(ctx) }
func (d *dummy) Name() string                            { return "dummy" }

func Test_Middleware(t *testing.T) {
	Register("dummy", func(*config.Config) Handler {
		return &dummy{}
	})
	Register("disabled", func(*config.Config) Handler {
		return nil
	})

	cfg := &config.Config{}

	d := Get("dummy")
	assert.Nil(t, d)

	err := Setup(cfg)
	assert.NoError(t, err)

	err = Setup(cfg)
	assert.Error(t, err)

	assert.Equal(t, 2, len(List()))
	// nil handlers are skipped
	assert.Equal(t, 1, len(Handlers()))

	d = Get("dummy")
	assert.NotNil(t, d)

	d = Get("none")
	assert.Nil(t, d)
}
