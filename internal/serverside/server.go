package serverside

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	libnet "github.com/libsync/libsync/internal/net"
)

// Server accepts connections on one listener and runs one Session per
// connection. Grounded on the teacher's internal/transport/server.go
// ListenAndServe shape (bind, serve, shutdown on context cancellation),
// generalized from an HTTP mux to the NetMsg dispatch loop.
type Server struct {
	hub *Hub
	log *slog.Logger
}

// NewServer wires a Server to hub.
func NewServer(hub *Hub, log *slog.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// ListenAndServe binds addr and accepts connections until ctx is canceled or
// the listener fails. Each connection is served in its own goroutine; the
// accept loop never blocks on a slow session. After the listener closes it
// returns only once every session already running has ended.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := libnet.Listen(ctx, addr)
	if err != nil {
		return err
	}
	srv.log.Info("listening", "addr", addr)

	g, gctx := errgroup.WithContext(ctx)
	acceptErr := make(chan error, 1)

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return nil
			}
			g.Go(func() error {
				srv.serveConn(conn)
				return nil
			})
		}
	})

	select {
	case <-gctx.Done():
		ln.Close()
		g.Wait()
		return nil
	case err := <-acceptErr:
		ln.Close()
		g.Wait()
		return fmt.Errorf("accept loop: %w", err)
	}
}

func (srv *Server) serveConn(conn net.Conn) {
	n := libnet.Wrap(conn)
	sess := newSession(srv.hub, n)
	if err := sess.Serve(); err != nil {
		srv.log.Warn("session ended with error", "remote", sess.remoteAddr, "err", err)
	}
}
