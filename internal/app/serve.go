package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Serve runs server on listener until ctx is done, then shuts it down and
// calls release exactly once after in-flight requests have drained.
func Serve(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, release func() error) error {
	drained := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		drained <- server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		closeErr := server.Close()
		return errors.Join(fmt.Errorf("serve: %w", err), closeErr, release())
	}

	var shutdownErr error
	if err := <-drained; err != nil {
		shutdownErr = fmt.Errorf("shutdown: %w", err)
	}
	return errors.Join(shutdownErr, release())
}
