package agenttunnel

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
	"github.com/sammck-go/ppaasstunnel/pkg/wire"
)

// runHTTP implements the HTTP/1.x front-end: CONNECT tunneling and
// absolute-form GET/POST forwarding. The tee used to capture the request
// bytes is scoped to header parsing only: once the header is read, any
// still-buffered bytes are spliced back in front of br and client.r is
// repointed at a plain (non-teeing) reader, so a long-lived relay never
// keeps accumulating bytes in memory.
func (d *Dispatcher) runHTTP(ctx context.Context, client *bufferedConn, br *bufio.Reader, log *applog.Logger) error {
	var captured bytes.Buffer
	headerReader := bufio.NewReader(io.TeeReader(br, &captured))

	req, err := http.ReadRequest(headerReader)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "reading HTTP request")
	}

	leftover := make([]byte, headerReader.Buffered())
	if _, err := io.ReadFull(headerReader, leftover); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "draining buffered HTTP header bytes")
	}
	client.r = bufio.NewReader(io.MultiReader(bytes.NewReader(leftover), br))

	addr, err := destinationFromRequest(req)
	if err != nil {
		return err
	}

	if req.Method == http.MethodConnect {
		dest, err := d.dialDestination(ctx, addr, log)
		if err != nil {
			// Spec behavior: close before writing 200 Connection Established.
			log.WLogf("HTTP CONNECT to %s failed: %v", addr, err)
			return err
		}
		defer dest.Close()

		if _, err := client.Conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return apperr.Wrap(apperr.KindIO, err, "writing HTTP 200 reply")
		}
		return runRelay(client, dest, log)
	}

	dest, err := d.dialDestination(ctx, addr, log)
	if err != nil {
		log.WLogf("HTTP forward to %s failed: %v", addr, err)
		return err
	}
	defer dest.Close()

	// captured holds exactly the header bytes ReadRequest consumed from br;
	// leftover (now re-queued ahead of br in client.r) must not be forwarded
	// again here, since the relay below will deliver it to dest itself.
	consumed := captured.Len() - len(leftover)
	if _, err := dest.Write(captured.Bytes()[:consumed]); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "forwarding captured HTTP request bytes")
	}
	return runRelay(client, dest, log)
}

func destinationFromRequest(req *http.Request) (wire.UnifiedAddress, error) {
	var authority string
	switch {
	case req.Method == http.MethodConnect:
		authority = req.Host
	case req.URL != nil && req.URL.Host != "":
		authority = req.URL.Host
	case req.Host != "":
		authority = req.Host
	default:
		authority = req.Header.Get("Host")
	}
	if authority == "" {
		return wire.UnifiedAddress{}, apperr.NoDestinationHost(req.RequestURI)
	}

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		portStr = "80"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return wire.UnifiedAddress{}, apperr.Wrapf(apperr.KindNoDestinationHost, err, "invalid port in %q", authority)
	}

	if ip := net.ParseIP(host); ip != nil {
		return wire.SocketAddress(ip, uint16(port)), nil
	}
	return wire.DomainAddress(host, uint16(port)), nil
}
