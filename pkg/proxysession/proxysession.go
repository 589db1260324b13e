// Package proxysession implements the proxy-side session pipeline: accept
// an agent connection, run the mirror handshake, dial the destination (or
// forward through another proxy hop), and relay bytes.
package proxysession

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/sammck-go/ppaasstunnel/pkg/agentconn"
	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
	"github.com/sammck-go/ppaasstunnel/pkg/cryptutil"
	"github.com/sammck-go/ppaasstunnel/pkg/framing"
	"github.com/sammck-go/ppaasstunnel/pkg/relay"
	"github.com/sammck-go/ppaasstunnel/pkg/userdir"
	"github.com/sammck-go/ppaasstunnel/pkg/wire"
)

// ForwardConfig, when non-nil on a Session, makes every destination setup a
// forward hop through another proxy using the same protocol and its own
// user directory, rather than a direct TCP dial. The forward username is
// fixed per proxy config; there is no per-agent-user routing (spec.md §9).
type ForwardConfig struct {
	Username       string
	Users          *userdir.Directory
	ConnectTimeout time.Duration
}

// Config holds the proxy's session-wide settings.
type Config struct {
	DestinationConnectTimeout time.Duration
	Forward                   *ForwardConfig
}

// Session drives one agent connection through handshake, destination setup,
// and relay.
type Session struct {
	Users *userdir.Directory
	Cfg   Config
	Log   *applog.Logger
}

// destination is satisfied by both a raw TCP connection (direct mode) and a
// forwarded agentconn.DestinationReady (forward-hop mode).
type destination interface {
	io.ReadWriter
	Close() error
}

// HandleConnection is the server.Handler entry point for the proxy's
// listener.
func (s *Session) HandleConnection(ctx context.Context, conn net.Conn, correlationID string) error {
	defer conn.Close()
	log := s.Log.Fork(correlationID)

	hsKey := cryptutil.HandshakeEncryption()
	hsCodec := framing.New(conn, hsKey, hsKey)

	chFrame, err := hsCodec.ReadFrame()
	if err != nil {
		return err
	}
	ch, err := wire.DecodeClientHandshake(chFrame)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocolDecode, err, "decoding ClientHandshake")
	}

	user, ok := s.Users.Find(ch.Username)
	if !ok {
		log.WLogf("handshake failed: %v", apperr.UserNotExist(ch.Username))
		return apperr.UserNotExist(ch.Username)
	}
	if user.RSA == nil {
		return apperr.UserRsaCryptoNotExist(ch.Username)
	}

	agentKey, err := cryptutil.RSAUnwrap(ch.Encryption, user.RSA.Private)
	if err != nil {
		return err
	}

	serverKey, err := cryptutil.RandomSymmetric()
	if err != nil {
		return err
	}
	wrappedServerKey, err := cryptutil.RSAWrap(serverKey, user.RSA.Public)
	if err != nil {
		return err
	}

	shPayload, err := wire.EncodeServerHandshake(wire.ServerHandshake{Encryption: wrappedServerKey})
	if err != nil {
		return apperr.Wrap(apperr.KindProtocolEncode, err, "encoding ServerHandshake")
	}
	if err := hsCodec.WriteFrame(shPayload); err != nil {
		return err
	}

	codec := framing.New(conn, serverKey, agentKey)

	setupFrame, err := codec.ReadFrame()
	if err != nil {
		return err
	}
	setup, err := wire.DecodeClientSetupDestination(setupFrame)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocolDecode, err, "decoding ClientSetupDestination")
	}

	dest, destErr := s.resolveDestination(ctx, setup)
	if destErr != nil {
		log.WLogf("destination setup failed for %s: %v", setup.Address, destErr)
		failPayload, encErr := wire.EncodeServerSetupDestination(wire.ServerSetupDestination{Result: wire.SetupFail})
		if encErr == nil {
			_ = codec.WriteFrame(failPayload)
		}
		return destErr
	}
	defer dest.Close()

	okPayload, err := wire.EncodeServerSetupDestination(wire.ServerSetupDestination{Result: wire.SetupSuccess})
	if err != nil {
		return apperr.Wrap(apperr.KindProtocolEncode, err, "encoding ServerSetupDestination")
	}
	if err := codec.WriteFrame(okPayload); err != nil {
		return err
	}

	adapter := &clientAdapter{codec: codec, conn: conn}
	result, err := relay.Copy(adapter, dest)
	if err != nil && err != io.EOF {
		log.WLogf("relay ended with error: %v (client->dest=%d dest->client=%d)", err, result.AToB, result.BToA)
		return err
	}
	log.ILogf("relay complete, client->dest=%d dest->client=%d", result.AToB, result.BToA)
	return nil
}

func (s *Session) resolveDestination(ctx context.Context, setup wire.ClientSetupDestination) (destination, error) {
	if setup.Kind == wire.DestinationUDP {
		// source inconsistency (spec.md §9): some variants return
		// unimplemented, one does a one-shot UDP round trip. This build
		// treats UDP as unsupported.
		return nil, apperr.New(apperr.KindSetupDestination, "UDP destinations are not supported")
	}
	if s.Cfg.Forward != nil {
		return s.dialForward(ctx, setup.Address)
	}
	return s.dialDirect(ctx, setup.Address)
}

func (s *Session) dialDirect(ctx context.Context, addr wire.UnifiedAddress) (destination, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.Cfg.DestinationConnectTimeout)
	defer cancel()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, apperr.Wrap(apperr.KindConnectTimeout, err, "dialing destination")
		}
		return nil, apperr.Wrap(apperr.KindSetupDestination, err, "dialing destination")
	}
	return conn, nil
}

func (s *Session) dialForward(ctx context.Context, addr wire.UnifiedAddress) (destination, error) {
	fwd := s.Cfg.Forward
	user, ok := fwd.Users.Find(fwd.Username)
	if !ok {
		return nil, apperr.UserNotExist(fwd.Username)
	}
	initial, err := agentconn.Dial(ctx, user, fwd.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	ready, err := initial.Handshake(fwd.Username)
	if err != nil {
		return nil, err
	}
	dest, err := ready.SetupDestination(wire.DestinationTCP, addr)
	if err != nil {
		return nil, err
	}
	return dest, nil
}

// clientAdapter exposes the now-encrypted framed agent connection as a
// plain byte stream for the relay phase, isolated here so it can be tested
// against the framing codec's invariants without running the full server.
type clientAdapter struct {
	codec   *framing.Codec
	conn    net.Conn
	pending []byte
}

// Read drains a pending frame across multiple calls rather than requiring
// the caller's buffer to hold a whole frame at once, since io.Copy's
// default buffer (32 KiB) is far smaller than the maximum frame size.
func (c *clientAdapter) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		frame, err := c.codec.ReadFrame()
		if err != nil {
			return 0, err
		}
		c.pending = frame
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *clientAdapter) Write(p []byte) (int, error) {
	if err := c.codec.WriteFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *clientAdapter) CloseWrite() error {
	if hc, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.conn.Close()
}
