// Package e2e runs the agent and proxy halves against each other over real
// loopback TCP connections, exercising the handshake, destination setup,
// and relay phases end to end.
package e2e

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sammck-go/ppaasstunnel/pkg/agentconn"
	"github.com/sammck-go/ppaasstunnel/pkg/agenttunnel"
	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
	"github.com/sammck-go/ppaasstunnel/pkg/proxysession"
	"github.com/sammck-go/ppaasstunnel/pkg/server"
	"github.com/sammck-go/ppaasstunnel/pkg/userdir"
	"github.com/sammck-go/ppaasstunnel/pkg/wire"
)

func testLogger(t *testing.T, name string) *applog.Logger {
	t.Helper()
	log, err := applog.New(name, applog.Options{Level: applog.LevelError})
	require.NoError(t, err)
	return log
}

// writeSharedUser writes identical RSA key material and a user_info.toml
// into both the agent-side and proxy-side user repository roots, mirroring
// how a real deployment distributes one user's keypair to both ends.
func writeSharedUser(t *testing.T, agentRoot, proxyRoot, username string, proxyServers []string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	privDER := x509.MarshalPKCS1PrivateKey(key)

	for _, root := range []string{agentRoot, proxyRoot} {
		dir := filepath.Join(root, username)
		require.NoError(t, os.MkdirAll(dir, 0o755))

		pubFile, err := os.Create(filepath.Join(dir, "public_key.pem"))
		require.NoError(t, err)
		require.NoError(t, pem.Encode(pubFile, &pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
		pubFile.Close()

		privFile, err := os.Create(filepath.Join(dir, "private_key.pem"))
		require.NoError(t, err)
		require.NoError(t, pem.Encode(privFile, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER}))
		privFile.Close()

		toml := fmt.Sprintf("username = %q\n", username)
		if root == agentRoot && len(proxyServers) > 0 {
			toml += "proxy_servers = ["
			for i, s := range proxyServers {
				if i > 0 {
					toml += ", "
				}
				toml += fmt.Sprintf("%q", s)
			}
			toml += "]\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "user_info.toml"), []byte(toml), 0o644))
	}
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// reserveAddr picks an ephemeral loopback port and releases it immediately,
// so the proxy's user directory can be seeded with its address before the
// listener actually starts.
func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// TestAgentConnDialsThroughProxyToDestination drives the full agent-side
// state machine (Initial -> HandshakeReady -> DestinationReady) against a
// live proxysession.Session and a stub TCP echo destination.
func TestAgentConnDialsThroughProxyToDestination(t *testing.T) {
	agentRoot, proxyRoot := t.TempDir(), t.TempDir()
	destAddr := echoServer(t)
	proxyAddr := reserveAddr(t)

	writeSharedUser(t, agentRoot, proxyRoot, "alice", []string{proxyAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxyUsers, err := userdir.New(userdir.Config{
		Root: proxyRoot, PublicKeyFile: "public_key.pem", PrivateKeyFile: "private_key.pem",
		RefreshInterval: time.Hour,
	}, testLogger(t, "proxy-userdir"))
	require.NoError(t, err)

	session := &proxysession.Session{
		Users: proxyUsers,
		Cfg:   proxysession.Config{DestinationConnectTimeout: 5 * time.Second},
		Log:   testLogger(t, "proxy-session"),
	}
	srv := &server.Server{Addr: proxyAddr, Handler: session.HandleConnection, Log: testLogger(t, "proxy-server")}
	go srv.Run(ctx)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", proxyAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	agentUsers, err := userdir.New(userdir.Config{
		Root: agentRoot, PublicKeyFile: "public_key.pem", PrivateKeyFile: "private_key.pem",
		RefreshInterval: time.Hour,
	}, testLogger(t, "agent-userdir"))
	require.NoError(t, err)
	alice, ok := agentUsers.Find("alice")
	require.True(t, ok)

	initial, err := agentconn.Dial(ctx, alice, 2*time.Second)
	require.NoError(t, err)
	ready, err := initial.Handshake("alice")
	require.NoError(t, err)

	destHost, destPortStr, err := net.SplitHostPort(destAddr)
	require.NoError(t, err)
	var destPort uint16
	_, err = fmt.Sscanf(destPortStr, "%d", &destPort)
	require.NoError(t, err)

	dest, err := ready.SetupDestination(wire.DestinationTCP, wire.SocketAddress(net.ParseIP(destHost), destPort))
	require.NoError(t, err)
	defer dest.Close()

	_, err = dest.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := dest.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

// TestAgentConnDestinationSetupFailsForUnreachableHost exercises the
// destination-unreachable end-to-end scenario: the proxy dials a closed
// loopback port, the setup reply is Fail, and SetupDestination returns an
// apperr.KindSetupDestination error rather than hanging.
func TestAgentConnDestinationSetupFailsForUnreachableHost(t *testing.T) {
	agentRoot, proxyRoot := t.TempDir(), t.TempDir()
	unreachable := reserveAddr(t) // closed immediately, nothing listens
	proxyAddr := reserveAddr(t)

	writeSharedUser(t, agentRoot, proxyRoot, "alice", []string{proxyAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxyUsers, err := userdir.New(userdir.Config{
		Root: proxyRoot, PublicKeyFile: "public_key.pem", PrivateKeyFile: "private_key.pem",
		RefreshInterval: time.Hour,
	}, testLogger(t, "proxy-userdir"))
	require.NoError(t, err)

	session := &proxysession.Session{
		Users: proxyUsers,
		Cfg:   proxysession.Config{DestinationConnectTimeout: 500 * time.Millisecond},
		Log:   testLogger(t, "proxy-session"),
	}
	srv := &server.Server{Addr: proxyAddr, Handler: session.HandleConnection, Log: testLogger(t, "proxy-server")}
	go srv.Run(ctx)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", proxyAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	agentUsers, err := userdir.New(userdir.Config{
		Root: agentRoot, PublicKeyFile: "public_key.pem", PrivateKeyFile: "private_key.pem",
		RefreshInterval: time.Hour,
	}, testLogger(t, "agent-userdir"))
	require.NoError(t, err)
	alice, ok := agentUsers.Find("alice")
	require.True(t, ok)

	initial, err := agentconn.Dial(ctx, alice, 2*time.Second)
	require.NoError(t, err)
	ready, err := initial.Handshake("alice")
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(unreachable)
	require.NoError(t, err)
	var port uint16
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)

	_, err = ready.SetupDestination(wire.DestinationTCP, wire.SocketAddress(net.ParseIP(host), port))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindSetupDestination))
}

// TestDispatcherHandlesHTTPConnect drives the agent's HTTP front-end
// directly: a plain HTTP client issues CONNECT through the dispatcher to an
// echo server reached via a live proxy.
func TestDispatcherHandlesHTTPConnect(t *testing.T) {
	agentRoot, proxyRoot := t.TempDir(), t.TempDir()
	destAddr := echoServer(t)
	proxyAddr := reserveAddr(t)

	writeSharedUser(t, agentRoot, proxyRoot, "alice", []string{proxyAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxyUsers, err := userdir.New(userdir.Config{
		Root: proxyRoot, PublicKeyFile: "public_key.pem", PrivateKeyFile: "private_key.pem",
		RefreshInterval: time.Hour,
	}, testLogger(t, "proxy-userdir"))
	require.NoError(t, err)
	session := &proxysession.Session{
		Users: proxyUsers,
		Cfg:   proxysession.Config{DestinationConnectTimeout: 2 * time.Second},
		Log:   testLogger(t, "proxy-session"),
	}
	proxySrv := &server.Server{Addr: proxyAddr, Handler: session.HandleConnection, Log: testLogger(t, "proxy-server")}
	go proxySrv.Run(ctx)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", proxyAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	agentUsers, err := userdir.New(userdir.Config{
		Root: agentRoot, PublicKeyFile: "public_key.pem", PrivateKeyFile: "private_key.pem",
		RefreshInterval: time.Hour,
	}, testLogger(t, "agent-userdir"))
	require.NoError(t, err)

	dispatcher := &agenttunnel.Dispatcher{
		Users: agentUsers, Username: "alice", ConnectTimeout: 2 * time.Second,
		Log: testLogger(t, "agent-tunnel"),
	}
	agentAddr := reserveAddr(t)
	agentSrv := &server.Server{Addr: agentAddr, Handler: dispatcher.HandleConnection, Log: testLogger(t, "agent-server")}
	go agentSrv.Run(ctx)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", agentAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", agentAddr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", destAddr, destAddr)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := br.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}
