package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPair returns two ends of a real loopback TCP connection, so CloseWrite
// half-close semantics are exercised the same way they are in production.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-serverCh
	require.NotNil(t, server)
	return client, server
}

// TestCopyRelaysBothDirectionsAndHalfCloses wires two independent TCP pairs
// through Copy(a, b) and confirms bytes cross in both directions, byte
// counts are reported, and closing one side's client half-closes the
// matching relayed side.
func TestCopyRelaysBothDirectionsAndHalfCloses(t *testing.T) {
	aRelaySide, aOutsideSide := tcpPair(t)
	bRelaySide, bOutsideSide := tcpPair(t)
	defer aOutsideSide.Close()
	defer bOutsideSide.Close()

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := Copy(aRelaySide, bRelaySide)
		resultCh <- result
		errCh <- err
	}()

	_, err := aOutsideSide.Write([]byte("to destination"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := bOutsideSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "to destination", string(buf[:n]))

	_, err = bOutsideSide.Write([]byte("to client"))
	require.NoError(t, err)
	n, err = aOutsideSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "to client", string(buf[:n]))

	require.NoError(t, aOutsideSide.Close())
	// The A->B half ends on EOF and half-closes b, so b's outside sees EOF.
	require.NoError(t, bOutsideSide.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = bOutsideSide.Read(buf)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, bOutsideSide.Close())

	select {
	case result := <-resultCh:
		require.NoError(t, <-errCh)
		require.Equal(t, int64(len("to destination")), result.AToB)
		require.Equal(t, int64(len("to client")), result.BToA)
	case <-time.After(5 * time.Second):
		t.Fatal("Copy did not complete after closing both sides")
	}
}

func TestShutdownWriteIgnoresNonHalfClosers(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	// w implements io.Writer but not HalfCloser; shutdownWrite must not panic.
	shutdownWrite(w)
}
