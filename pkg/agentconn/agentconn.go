// Package agentconn implements the agent-side outbound proxy connection
// state machine: Initial -> HandshakeReady -> DestinationReady. Each state
// is a distinct type; only the prior state's type exposes the method that
// advances the machine, so skipping handshake is a compile error rather than
// a runtime check (spec property P5).
package agentconn

import (
	"context"
	"net"
	"time"

	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/connstats"
	"github.com/sammck-go/ppaasstunnel/pkg/cryptutil"
	"github.com/sammck-go/ppaasstunnel/pkg/framing"
	"github.com/sammck-go/ppaasstunnel/pkg/userdir"
	"github.com/sammck-go/ppaasstunnel/pkg/wire"
)

// Initial holds an open TCP stream to the proxy and the user record driving
// the handshake.
type Initial struct {
	conn net.Conn
	user *userdir.Record
}

// Dial connects to the first reachable entry of user.ProxyServers within
// connectTimeout, per-address, and returns the Initial state. Addresses are
// tried in order; ConnectTimeout is returned only once every candidate has
// been tried and failed or timed out.
func Dial(ctx context.Context, user *userdir.Record, connectTimeout time.Duration) (*Initial, error) {
	if len(user.ProxyServers) == 0 {
		return nil, apperr.New(apperr.KindIO, "user record has no proxy_servers configured")
	}
	var lastErr error
	dialer := net.Dialer{}
	for _, addr := range user.ProxyServers {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			return &Initial{conn: conn, user: user}, nil
		}
		lastErr = err
	}
	secs := int(connectTimeout / time.Second)
	return nil, apperr.Wrap(apperr.ConnectTimeout(secs).Kind, lastErr, "connecting to any configured proxy server")
}

// HandshakeReady holds the TCP stream and the two freshly negotiated
// per-direction symmetric descriptors.
type HandshakeReady struct {
	conn     net.Conn
	agentKey wire.Encryption
	proxyKey wire.Encryption
}

// Handshake performs the RSA-protected key exchange under the hard-coded
// handshake key and advances Initial to HandshakeReady. It consumes i; the
// Initial value must not be reused afterward.
func (i *Initial) Handshake(username string) (*HandshakeReady, error) {
	if i.user.RSA == nil {
		i.conn.Close()
		return nil, apperr.UserRsaCryptoNotExist(username)
	}

	hsKey := cryptutil.HandshakeEncryption()
	codec := framing.New(i.conn, hsKey, hsKey)

	agentKey, err := cryptutil.RandomSymmetric()
	if err != nil {
		i.conn.Close()
		return nil, err
	}
	wrappedAgentKey, err := cryptutil.RSAWrap(agentKey, i.user.RSA.Public)
	if err != nil {
		i.conn.Close()
		return nil, err
	}

	payload, err := wire.EncodeClientHandshake(wire.ClientHandshake{Username: username, Encryption: wrappedAgentKey})
	if err != nil {
		i.conn.Close()
		return nil, apperr.Wrap(apperr.KindProtocolEncode, err, "encoding ClientHandshake")
	}
	if err := codec.WriteFrame(payload); err != nil {
		i.conn.Close()
		return nil, err
	}

	replyPayload, err := codec.ReadFrame()
	if err != nil {
		i.conn.Close()
		return nil, err
	}
	reply, err := wire.DecodeServerHandshake(replyPayload)
	if err != nil {
		i.conn.Close()
		return nil, apperr.Wrap(apperr.KindProtocolDecode, err, "decoding ServerHandshake")
	}

	proxyKey, err := cryptutil.RSAUnwrap(reply.Encryption, i.user.RSA.Private)
	if err != nil {
		i.conn.Close()
		return nil, err
	}

	return &HandshakeReady{conn: i.conn, agentKey: agentKey, proxyKey: proxyKey}, nil
}

// DestinationReady exposes the connection as a duplex byte stream, framed
// and encrypted under the negotiated per-direction keys. It is the shape
// consumed by bidirectional_copy.
type DestinationReady struct {
	conn    net.Conn
	codec   *framing.Codec
	pending []byte
	Stats   connstats.Counter
}

// SetupDestination installs the post-handshake codec, requests the given
// destination, and advances HandshakeReady to DestinationReady. It consumes
// h; the HandshakeReady value must not be reused afterward.
func (h *HandshakeReady) SetupDestination(kind wire.DestinationKind, addr wire.UnifiedAddress) (*DestinationReady, error) {
	if kind == wire.DestinationUDP {
		h.conn.Close()
		return nil, apperr.New(apperr.KindSetupDestination, "UDP destinations are not supported")
	}

	codec := framing.New(h.conn, h.agentKey, h.proxyKey)

	payload, err := wire.EncodeClientSetupDestination(wire.ClientSetupDestination{Kind: kind, Address: addr})
	if err != nil {
		h.conn.Close()
		return nil, apperr.Wrap(apperr.KindProtocolEncode, err, "encoding ClientSetupDestination")
	}
	if err := codec.WriteFrame(payload); err != nil {
		h.conn.Close()
		return nil, err
	}

	replyPayload, err := codec.ReadFrame()
	if err != nil {
		h.conn.Close()
		return nil, err
	}
	reply, err := wire.DecodeServerSetupDestination(replyPayload)
	if err != nil {
		h.conn.Close()
		return nil, apperr.Wrap(apperr.KindProtocolDecode, err, "decoding ServerSetupDestination")
	}
	if reply.Result != wire.SetupSuccess {
		h.conn.Close()
		return nil, apperr.SetupDestination(addr.String())
	}

	return &DestinationReady{conn: h.conn, codec: codec}, nil
}

// Read returns plaintext bytes extracted from the framed stream. A frame
// larger than the caller's buffer is drained across multiple Read calls
// rather than rejected, since io.Copy's default buffer (32 KiB) is far
// smaller than the maximum frame size.
func (d *DestinationReady) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		frame, err := d.codec.ReadFrame()
		if err != nil {
			return 0, err
		}
		d.pending = frame
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	d.Stats.AddIn(int64(n))
	return n, nil
}

// Write frames and encrypts p, and writes it as a single frame.
func (d *DestinationReady) Write(p []byte) (int, error) {
	if err := d.codec.WriteFrame(p); err != nil {
		return 0, err
	}
	d.Stats.AddOut(int64(len(p)))
	return len(p), nil
}

// CloseWrite shuts down the write half of the underlying socket, to
// propagate EOF to the peer.
func (d *DestinationReady) CloseWrite() error {
	if cw, ok := d.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return d.conn.Close()
}

// Close closes the underlying connection.
func (d *DestinationReady) Close() error { return d.conn.Close() }
