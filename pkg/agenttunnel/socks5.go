package agenttunnel

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
	"github.com/sammck-go/ppaasstunnel/pkg/wire"
)

const (
	socks5Version                = 0x05
	socks5NoAuth                 = 0x00
	socks5CmdConnect             = 0x01
	socks5AtypIPv4               = 0x01
	socks5AtypDomain             = 0x03
	socks5AtypIPv6               = 0x04
	socks5RepSucceeded           = 0x00
	socks5RepCommandNotSupported = 0x07
)

// runSocks5 implements the RFC 1928 NoAuth, CONNECT-only front-end.
func (d *Dispatcher) runSocks5(ctx context.Context, client *bufferedConn, br *bufio.Reader, log *applog.Logger) error {
	verNMethods := make([]byte, 2)
	if _, err := io.ReadFull(br, verNMethods); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "reading SOCKS5 greeting")
	}
	nMethods := int(verNMethods[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(br, methods); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "reading SOCKS5 methods")
	}

	if _, err := client.Conn.Write([]byte{socks5Version, socks5NoAuth}); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "writing SOCKS5 method selection")
	}

	reqHeader := make([]byte, 4)
	if _, err := io.ReadFull(br, reqHeader); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "reading SOCKS5 request header")
	}
	cmd := reqHeader[1]
	atyp := reqHeader[3]

	addr, err := readSocks5Address(br, atyp)
	if err != nil {
		return err
	}

	if cmd != socks5CmdConnect {
		client.Conn.Write([]byte{socks5Version, socks5RepCommandNotSupported, 0, socks5AtypIPv4, 0, 0, 0, 0, 0, 0})
		log.ILogf("SOCKS5 command %d unsupported (CONNECT-only), closing", cmd)
		return nil
	}

	dest, err := d.dialDestination(ctx, addr, log)
	if err != nil {
		// Spec-flagged behavior: on destination failure the agent closes
		// the client without ever sending the SOCKS5 success reply,
		// rather than sending a REP error code.
		log.WLogf("SOCKS5 CONNECT to %s failed: %v", addr, err)
		return err
	}
	defer dest.Close()

	if _, err := client.Conn.Write([]byte{socks5Version, socks5RepSucceeded, 0, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "writing SOCKS5 success reply")
	}

	return runRelay(client, dest, log)
}

func readSocks5Address(br *bufio.Reader, atyp byte) (wire.UnifiedAddress, error) {
	switch atyp {
	case socks5AtypIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return wire.UnifiedAddress{}, apperr.Wrap(apperr.KindIO, err, "reading SOCKS5 IPv4 address")
		}
		port := binary.BigEndian.Uint16(buf[4:])
		return wire.SocketAddress(net.IP(buf[:4]), port), nil
	case socks5AtypIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return wire.UnifiedAddress{}, apperr.Wrap(apperr.KindIO, err, "reading SOCKS5 IPv6 address")
		}
		port := binary.BigEndian.Uint16(buf[16:])
		return wire.SocketAddress(net.IP(buf[:16]), port), nil
	case socks5AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			return wire.UnifiedAddress{}, apperr.Wrap(apperr.KindIO, err, "reading SOCKS5 domain length")
		}
		buf := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return wire.UnifiedAddress{}, apperr.Wrap(apperr.KindIO, err, "reading SOCKS5 domain address")
		}
		host := string(buf[:lenBuf[0]])
		port := binary.BigEndian.Uint16(buf[lenBuf[0]:])
		return wire.DomainAddress(host, port), nil
	default:
		return wire.UnifiedAddress{}, apperr.Newf(apperr.KindProtocolDecode, "unsupported SOCKS5 address type %d", atyp)
	}
}
