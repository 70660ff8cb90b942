package ports_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chronicleworks/chronicle/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockUntilCancelled(ran *bool) ports.PortFunc {
	return func(ctx context.Context) error {
		if ran != nil {
			*ran = true
		}
		select {
		case <-time.After(time.Second * 3):
			return errors.New("did not cancel")
		case <-ctx.Done():
			return nil
		}
	}
}

func TestPortsRunsAndCancels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()

	pts := ports.Ports{blockUntilCancelled(nil)}
	err := pts.Run(ctx)
	require.NoError(t, err)
}

func TestPortCancelsAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()

	var p1run, p2run bool
	pts := ports.Ports{blockUntilCancelled(&p1run), blockUntilCancelled(&p2run)}

	err := pts.Run(ctx)
	assert.NoError(t, err)
	assert.True(t, p1run)
	assert.True(t, p2run)
}

func TestPortErrorCancelsAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	exitedGracefully := false
	pts := ports.Ports{}.
		Func(func(context.Context) error {
			return errors.New("error")
		}).
		Append(blockUntilCancelled(&exitedGracefully))

	err := pts.Run(ctx)
	require.Error(t, err)
	assert.EqualError(t, err, "error")
	assert.True(t, exitedGracefully)
}
