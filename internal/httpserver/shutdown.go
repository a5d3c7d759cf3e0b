package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// StreamPool owns the goroutines serving open streams.
type StreamPool interface {
	Shutdown(ctx context.Context) error
}

// Shutdown stops srv and pool together. srv.Shutdown waits for submit handlers,
// and those only return once the pool has failed their streams, so the pool is
// cancelled alongside the server rather than after it.
func Shutdown(ctx context.Context, srv *http.Server, pool StreamPool) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := pool.Shutdown(ctx); err != nil {
			return fmt.Errorf("worker pool shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
