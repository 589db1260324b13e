package userdir

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/ppaasstunnel/pkg/applog"
)

func testLogger(t *testing.T) *applog.Logger {
	t.Helper()
	log, err := applog.New("userdir-test", applog.Options{Level: applog.LevelError})
	require.NoError(t, err)
	return log
}

func writePEM(t *testing.T, path string, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}))
}

func writeUser(t *testing.T, root, username string, proxyServers []string) {
	t.Helper()
	dir := filepath.Join(root, username)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	writePEM(t, filepath.Join(dir, "public_key.pem"), "PUBLIC KEY", x509.MarshalPKCS1PublicKey(&key.PublicKey))
	writePEM(t, filepath.Join(dir, "private_key.pem"), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))

	toml := fmt.Sprintf("username = %q\n", username)
	if len(proxyServers) > 0 {
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

func testConfig(root string) Config {
	return Config{
		Root:            root,
		PublicKeyFile:   "public_key.pem",
		PrivateKeyFile:  "private_key.pem",
		RefreshInterval: 50 * time.Millisecond,
	}
}

func TestNewLoadsInitialSnapshot(t *testing.T) {
	root := t.TempDir()
	writeUser(t, root, "alice", []string{"1.2.3.4:80"})
	writeUser(t, root, "bob", nil)

	dir, err := New(testConfig(root), testLogger(t))
	require.NoError(t, err)

	rec, ok := dir.Find("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"1.2.3.4:80"}, rec.ProxyServers)
	require.NotNil(t, rec.RSA)
	require.NotNil(t, rec.RSA.Public)
	require.NotNil(t, rec.RSA.Private)

	_, ok = dir.Find("carol")
	assert.False(t, ok)

	assert.Len(t, dir.List(), 2)
}

func TestScanSkipsDotPrefixedAndInvalidSubdirectories(t *testing.T) {
	root := t.TempDir()
	writeUser(t, root, "alice", nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken"), 0o755))
	// "broken" has no user_info.toml at all, so it must be skipped, not fail
	// the whole scan.

	dir, err := New(testConfig(root), testLogger(t))
	require.NoError(t, err)

	_, ok := dir.Find("alice")
	assert.True(t, ok)
	assert.Len(t, dir.List(), 1)
}

func TestRefreshReplacesSnapshotAtomically(t *testing.T) {
	root := t.TempDir()
	writeUser(t, root, "alice", nil)

	dir, err := New(testConfig(root), testLogger(t))
	require.NoError(t, err)
	assert.Len(t, dir.List(), 1)

	writeUser(t, root, "bob", nil)
	dir.refresh()

	assert.Len(t, dir.List(), 2)
	_, ok := dir.Find("bob")
	assert.True(t, ok)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	root := t.TempDir()
	writeUser(t, root, "alice", nil)

	dir, err := New(testConfig(root), testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dir.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
