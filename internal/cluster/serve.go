package cluster

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ShutdownGrace bounds how long a server drains in-flight requests.
const ShutdownGrace = 5 * time.Second

// Serve listens on addr and serves handler until ctx is done, then shuts the
// server down gracefully. ready, if not nil, receives the bound address once
// the listener is open.
func Serve(ctx context.Context, component, addr string, handler http.Handler, ready func(addr string)) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("component", component),
			zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErr <- errors.Trace(err)
		}
		close(serveErr)
	}()
	if ready != nil {
		ready(listener.Addr().String())
	}

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.String("component", component), zap.Error(err))
	}
	log.Info("server stopped", zap.String("component", component))
	return nil
}
