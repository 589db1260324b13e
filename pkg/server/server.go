// Package server implements the accept-loop harness shared by the agent and
// proxy: bind a TCP listener, spawn one handler per accepted connection, and
// exit cleanly on cancellation.
package server

import (
	"context"
	"net"

	"github.com/google/uuid"

	"github.com/sammck-go/ppaasstunnel/pkg/applog"
)

// Handler processes one accepted connection. It receives the connection
// (whose RemoteAddr is the client address) and a correlation ID assigned at
// accept time. A returned
// error is logged by the harness; it never aborts the accept loop.
type Handler func(ctx context.Context, conn net.Conn, correlationID string) error

// Server is a generic accept loop: bind, accept, spawn, repeat, until
// cancellation.
type Server struct {
	Addr    string
	Handler Handler
	Log     *applog.Logger
}

// Run binds the listener and runs the accept loop until ctx is cancelled.
// Accept errors are logged and the loop continues. It returns only on bind
// failure or cancellation (nil).
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.Log.ILogf("listening on %s", s.Addr)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.Log.ILog("accept loop exiting on cancellation")
				return nil
			default:
			}
			s.Log.WLogf("accept error: %v", err)
			continue
		}
		correlationID := uuid.NewString()
		go func() {
			if err := s.Handler(ctx, conn, correlationID); err != nil {
				s.Log.WLogf("[%s] connection handler error: %v", correlationID, err)
			}
		}()
	}
}
