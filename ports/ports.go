// Package ports runs the engine's long-lived blocking loops
// concurrently with graceful shutdown
package ports

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronicleworks/chronicle/log"
	"golang.org/x/sync/errgroup"
)

// Port is a long-running entry point into the system that listens, blocking.
//
// A port:
// - only returns an error if it cannot continue; an error shuts the whole system down
// - must block
// - must stop gracefully when the context is cancelled
type Port interface {
	Run(context.Context) error
}

// PortFunc adapts a function into a Port
type PortFunc func(context.Context) error

func (f PortFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Ports is a collection of ports run as one unit
type Ports []Port

// Append adds a port
func (p Ports) Append(port Port) Ports {
	return append(p, port)
}

// Func adds a function port
func (p Ports) Func(fn func(context.Context) error) Ports {
	return append(p, PortFunc(fn))
}

// Run blocks, running all ports concurrently until the context is cancelled,
// an OS signal arrives, or a port fails. Remaining ports are then cancelled
// and given 10 seconds to exit before Run gives up waiting on them.
func (p Ports) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, port := range p {
		g.Go(func() error {
			return port.Run(ctx)
		})
	}

	<-ctx.Done()
	log.Info(ctx, "quitting, waiting for all ports to exit", log.F{})

	var err error
	ended := make(chan struct{}, 1)
	go func() {
		err = g.Wait()
		ended <- struct{}{}
	}()

	select {
	case <-ended:
		return err
	case <-time.After(time.Second * 10):
		return fmt.Errorf("failed to quit after 10 seconds, forced: %w", err)
	}
}
