// Package agentconfig builds the agent binary's Config from a TOML file
// overridden field-by-field by CLI flags, matching the external interface
// in spec.md §6.
package agentconfig

import (
	"flag"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
)

const (
	defaultListenAddr       = "0.0.0.0:80"
	defaultWorkerThreads    = 256
	defaultLogDir           = "./logs"
	defaultMaxLogLevel      = "error"
	defaultUserRepoDir      = "./users"
	defaultRefreshSecs      = 10
	defaultConnectTimeout   = 10 * time.Second
	publicKeyFileName       = "public_key.pem"
	privateKeyFileName      = "private_key.pem"
)

// fileConfig mirrors the flat TOML table plus the agent's
// proxy_connect_timeout extra. Pointer fields distinguish "absent from
// file" from "present with the zero value".
type fileConfig struct {
	ListenAddr              *string `toml:"listen_addr"`
	WorkerThreads           *int    `toml:"worker_threads"`
	LogDir                  *string `toml:"log_dir"`
	MaxLogLevel             *string `toml:"max_log_level"`
	UserRepoDir             *string `toml:"user_repo_directory"`
	RefreshIntervalSecs     *int    `toml:"refresh_interval_secs"`
	Username                *string `toml:"username"`
	ProxyConnectTimeoutSecs *int    `toml:"proxy_connect_timeout"`
}

// Config implements coreconfig.ServerConfig, LogConfig, RuntimeConfig,
// FileSystemUserRepoConfig, and ConnectTimeoutConfig.
type Config struct {
	addr            string
	workerThreads   int
	logDir          string
	maxLogLevel     string
	userRepoDir     string
	refreshInterval time.Duration
	username        string
	connectTimeout  time.Duration
}

func (c *Config) ListenAddr() string              { return c.addr }
func (c *Config) LogDir() string                  { return c.logDir }
func (c *Config) MaxLogLevel() string             { return c.maxLogLevel }
func (c *Config) WorkerThreads() int              { return c.workerThreads }
func (c *Config) UserRepoDir() string             { return c.userRepoDir }
func (c *Config) PublicKeyFileName() string       { return publicKeyFileName }
func (c *Config) PrivateKeyFileName() string      { return privateKeyFileName }
func (c *Config) RefreshInterval() time.Duration  { return c.refreshInterval }
func (c *Config) ConnectTimeout() time.Duration   { return c.connectTimeout }
func (c *Config) Username() string                { return c.username }

// Parse builds a Config from args (normally os.Args[1:]), applying
// defaults, then an optional TOML file, then explicit CLI flags, in that
// increasing order of precedence.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	addr := fs.String("p", defaultListenAddr, "listening socket address")
	workerThreads := fs.Int("t", defaultWorkerThreads, "worker thread count")
	logDir := fs.String("l", defaultLogDir, "log directory")
	maxLogLevel := fs.String("m", defaultMaxLogLevel, "max log level")
	userRepoDir := fs.String("r", defaultUserRepoDir, "user repository root directory")
	refreshSecs := fs.Int("i", defaultRefreshSecs, "user repository refresh interval, seconds")
	username := fs.String("u", "", "username to authenticate as")
	configFilePath := fs.String("config-file-path", "", "alternate TOML configuration file")

	if err := fs.Parse(args); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "parsing agent CLI flags")
	}

	cfg := &Config{
		addr:            defaultListenAddr,
		workerThreads:   defaultWorkerThreads,
		logDir:          defaultLogDir,
		maxLogLevel:     defaultMaxLogLevel,
		userRepoDir:     defaultUserRepoDir,
		refreshInterval: defaultRefreshSecs * time.Second,
		connectTimeout:  defaultConnectTimeout,
	}

	if *configFilePath != "" {
		fc, err := loadFile(*configFilePath)
		if err != nil {
			return nil, err
		}
		applyFile(cfg, fc)
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if explicit["p"] {
		cfg.addr = *addr
	}
	if explicit["t"] {
		cfg.workerThreads = *workerThreads
	}
	if explicit["l"] {
		cfg.logDir = *logDir
	}
	if explicit["m"] {
		cfg.maxLogLevel = *maxLogLevel
	}
	if explicit["r"] {
		cfg.userRepoDir = *userRepoDir
	}
	if explicit["i"] {
		cfg.refreshInterval = time.Duration(*refreshSecs) * time.Second
	}
	if explicit["u"] {
		cfg.username = *username
	}

	if cfg.username == "" {
		return nil, apperr.New(apperr.KindIO, "agent requires -u <username> (or username in config file)")
	}

	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "reading agent config file")
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "parsing agent config file")
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.ListenAddr != nil {
		cfg.addr = *fc.ListenAddr
	}
	if fc.WorkerThreads != nil {
		cfg.workerThreads = *fc.WorkerThreads
	}
	if fc.LogDir != nil {
		cfg.logDir = *fc.LogDir
	}
	if fc.MaxLogLevel != nil {
		cfg.maxLogLevel = *fc.MaxLogLevel
	}
	if fc.UserRepoDir != nil {
		cfg.userRepoDir = *fc.UserRepoDir
	}
	if fc.RefreshIntervalSecs != nil {
		cfg.refreshInterval = time.Duration(*fc.RefreshIntervalSecs) * time.Second
	}
	if fc.Username != nil {
		cfg.username = *fc.Username
	}
	if fc.ProxyConnectTimeoutSecs != nil {
		cfg.connectTimeout = time.Duration(*fc.ProxyConnectTimeoutSecs) * time.Second
	}
}
