// Package userdir implements the file-tree-backed user directory: a
// process-wide mapping from username to user record plus RSA key material,
// with snapshot semantics and periodic refresh.
package userdir

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
)

// RsaCrypto holds a user's parsed public/private RSA key pair. Both halves
// must be present; the directory never inserts a record with only one.
type RsaCrypto struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Record is the immutable loaded representation of one user_info.toml plus
// its PEM key pair. Refresh replaces the whole mapping, never an individual
// record.
type Record struct {
	Username     string
	ExpiredTime  *time.Time
	ProxyServers []string
	RSA          *RsaCrypto
}

type recordFile struct {
	Username     string     `toml:"username"`
	ProxyServers []string   `toml:"proxy_servers"`
	ExpiredTime  *time.Time `toml:"expired_time"`
}

// Config names the on-disk layout. PublicKeyFile/PrivateKeyFile are
// role-specific: the agent stores the proxy's public key plus its own
// private key; the proxy stores the agent's public key plus its own
// private key.
type Config struct {
	Root            string
	PublicKeyFile   string
	PrivateKeyFile  string
	RefreshInterval time.Duration
}

// Directory is the read-mostly snapshot of all loaded user records.
type Directory struct {
	cfg    Config
	log    *applog.Logger
	mu     sync.RWMutex
	byName map[string]*Record
}

// New constructs a Directory and performs one synchronous scan to populate
// the initial snapshot, per the refresh protocol's first step.
func New(cfg Config, log *applog.Logger) (*Directory, error) {
	d := &Directory{cfg: cfg, log: log}
	snapshot, err := d.scan()
	if err != nil {
		return nil, err
	}
	d.byName = snapshot
	return d, nil
}

// Find returns a shared handle to an immutable record, or false if absent.
func (d *Directory) Find(username string) (*Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byName[username]
	return r, ok
}

// List returns a point-in-time slice of all loaded records.
func (d *Directory) List() []*Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Record, 0, len(d.byName))
	for _, r := range d.byName {
		out = append(out, r)
	}
	return out
}

// Run runs the background refresh loop: a timer firing every
// RefreshInterval, accelerated by an fsnotify watch on the root directory.
// It blocks until ctx is cancelled. fsnotify setup failures are logged and
// do not disable the timer-driven refresh.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.WLogf("user directory fsnotify unavailable, relying on timer only: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(d.cfg.Root); err != nil {
			d.log.WLogf("user directory fsnotify watch failed for %s: %v", d.cfg.Root, err)
		} else {
			events = watcher.Events
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.refresh()
		}
	}
}

func (d *Directory) refresh() {
	snapshot, err := d.scan()
	if err != nil {
		d.log.WLogf("user directory refresh failed: %v", err)
		return
	}
	d.mu.Lock()
	d.byName = snapshot
	d.mu.Unlock()
}

// scan performs one full directory walk, skipping (and logging) any
// subdirectory that fails to load in full, and never partially inserting a
// record. Subdirectories whose name begins with "." are skipped silently.
func (d *Directory) scan() (map[string]*Record, error) {
	entries, err := os.ReadDir(d.cfg.Root)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "reading user repository root")
	}
	out := make(map[string]*Record, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		subdir := filepath.Join(d.cfg.Root, entry.Name())
		record, err := d.loadOne(subdir)
		if err != nil {
			d.log.WLogf("skipping user subdirectory %s: %v", subdir, err)
			continue
		}
		out[record.Username] = record
	}
	return out, nil
}

func (d *Directory) loadOne(subdir string) (*Record, error) {
	tomlPath := filepath.Join(subdir, "user_info.toml")
	tomlBytes, err := os.ReadFile(tomlPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "reading user_info.toml")
	}
	var rf recordFile
	if err := toml.Unmarshal(tomlBytes, &rf); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "parsing user_info.toml")
	}
	if rf.Username == "" {
		return nil, apperr.New(apperr.KindIO, "user_info.toml missing username")
	}

	pub, err := loadPublicKey(filepath.Join(subdir, d.cfg.PublicKeyFile))
	if err != nil {
		return nil, err
	}
	priv, err := loadPrivateKey(filepath.Join(subdir, d.cfg.PrivateKeyFile))
	if err != nil {
		return nil, err
	}

	return &Record{
		Username:     rf.Username,
		ExpiredTime:  rf.ExpiredTime,
		ProxyServers: rf.ProxyServers,
		RSA:          &RsaCrypto{Public: pub, Private: priv},
	}, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "reading public key file")
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperr.New(apperr.KindCrypto, "public key file is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		rsaPub, err2 := x509.ParsePKCS1PublicKey(block.Bytes)
		if err2 != nil {
			return nil, apperr.Wrap(apperr.KindCrypto, err, "parsing public key")
		}
		return rsaPub, nil
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, apperr.New(apperr.KindCrypto, "public key is not an RSA key")
	}
	return rsaPub, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "reading private key file")
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperr.New(apperr.KindCrypto, "private key file is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyAny, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, apperr.Wrap(apperr.KindCrypto, err, "parsing private key")
		}
		rsaKey, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, apperr.New(apperr.KindCrypto, "private key is not an RSA key")
		}
		return rsaKey, nil
	}
	return key, nil
}
