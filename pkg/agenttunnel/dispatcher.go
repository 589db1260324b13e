// Package agenttunnel implements the agent-side tunnel dispatcher: peek the
// client's first protocol byte, run the matching SOCKS5 or HTTP/HTTPS
// front-end, drive the outbound proxy connection through its states, and run
// bidirectional_copy once a destination is ready.
package agenttunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/sammck-go/ppaasstunnel/pkg/agentconn"
	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
	"github.com/sammck-go/ppaasstunnel/pkg/relay"
	"github.com/sammck-go/ppaasstunnel/pkg/userdir"
	"github.com/sammck-go/ppaasstunnel/pkg/wire"
)

// Dispatcher holds the configuration needed to drive one client connection
// through a front-end and an outbound proxy connection.
type Dispatcher struct {
	Users          *userdir.Directory
	Username       string
	ConnectTimeout time.Duration
	Log            *applog.Logger
}

// bufferedConn adapts a net.Conn whose initial bytes have already been
// buffered by a bufio.Reader (for the non-destructive peek) back into a
// plain io.ReadWriter + HalfCloser, so the rest of the core can treat it as
// an opaque duplex stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

// HandleConnection is the server.Handler entry point for the agent's
// listener.
func (d *Dispatcher) HandleConnection(ctx context.Context, conn net.Conn, correlationID string) error {
	defer conn.Close()
	log := d.Log.Fork(correlationID)

	br := bufio.NewReader(conn)
	client := &bufferedConn{Conn: conn, r: br}

	first, err := br.Peek(1)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "peeking first client byte")
	}

	switch {
	case first[0] == 0x04:
		log.ILog("SOCKS4 is unsupported, closing client stream")
		return nil
	case first[0] == 0x05:
		return d.runSocks5(ctx, client, br, log)
	default:
		return d.runHTTP(ctx, client, br, log)
	}
}

// dialDestination drives the outbound proxy connection through Initial ->
// HandshakeReady -> DestinationReady for the configured local identity.
func (d *Dispatcher) dialDestination(ctx context.Context, addr wire.UnifiedAddress, log *applog.Logger) (*agentconn.DestinationReady, error) {
	user, ok := d.Users.Find(d.Username)
	if !ok {
		return nil, apperr.UserNotExist(d.Username)
	}

	initial, err := agentconn.Dial(ctx, user, d.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	ready, err := initial.Handshake(d.Username)
	if err != nil {
		return nil, err
	}
	dest, err := ready.SetupDestination(wire.DestinationTCP, addr)
	if err != nil {
		return nil, err
	}
	return dest, nil
}

func runRelay(client io.ReadWriter, dest *agentconn.DestinationReady, log *applog.Logger) error {
	result, err := relay.Copy(client, dest)
	if err != nil && err != io.EOF {
		log.WLogf("relay ended with error after %s", dest.Stats.String())
		return err
	}
	log.ILogf("relay complete, client->dest=%d dest->client=%d", result.AToB, result.BToA)
	return nil
}
