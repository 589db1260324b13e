// Command proxy runs the remote tunnel endpoint: it accepts agent
// connections, authenticates them against its own user directory, and
// either dials the requested destination directly or forwards the request
// through another proxy hop when configured with a [forward] upstream.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sammck-go/ppaasstunnel/internal/proxyconfig"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
	"github.com/sammck-go/ppaasstunnel/pkg/proxysession"
	"github.com/sammck-go/ppaasstunnel/pkg/server"
	"github.com/sammck-go/ppaasstunnel/pkg/userdir"
)

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	select {
	case <-sig:
		log.Printf("SIGINT received; cancelling main ctx")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	cfg, err := proxyconfig.Parse(os.Args[1:])
	if err != nil {
		log.Printf("startup failed: %v", err)
		os.Exit(1)
	}

	runtime.GOMAXPROCS(cfg.WorkerThreads())

	level, err := applog.ParseLevel(cfg.MaxLogLevel())
	if err != nil {
		log.Printf("startup failed: %v", err)
		os.Exit(1)
	}
	logger, err := applog.New("proxy", applog.Options{Dir: cfg.LogDir(), Level: level})
	if err != nil {
		log.Printf("startup failed: %v", err)
		os.Exit(1)
	}
	defer logger.Sync()

	users, err := userdir.New(userdir.Config{
		Root:            cfg.UserRepoDir(),
		PublicKeyFile:   cfg.PublicKeyFileName(),
		PrivateKeyFile:  cfg.PrivateKeyFileName(),
		RefreshInterval: cfg.RefreshInterval(),
	}, logger.Fork("userdir"))
	if err != nil {
		logger.ELogf("startup failed: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigIntHandler(ctx, cancel)
	go users.Run(ctx)

	sessionCfg := proxysession.Config{DestinationConnectTimeout: cfg.ConnectTimeout()}

	if cfg.Forward != nil {
		forwardUsers, err := userdir.New(userdir.Config{
			Root:            cfg.Forward.UserRepoDir(),
			PublicKeyFile:   cfg.Forward.PublicKeyFileName(),
			PrivateKeyFile:  cfg.Forward.PrivateKeyFileName(),
			RefreshInterval: cfg.Forward.RefreshInterval(),
		}, logger.Fork("forward-userdir"))
		if err != nil {
			logger.ELogf("startup failed: %v", err)
			os.Exit(1)
		}
		go forwardUsers.Run(ctx)

		sessionCfg.Forward = &proxysession.ForwardConfig{
			Username:       cfg.Forward.Username,
			Users:          forwardUsers,
			ConnectTimeout: cfg.Forward.ConnectTimeout(),
		}
	}

	session := &proxysession.Session{
		Users: users,
		Cfg:   sessionCfg,
		Log:   logger.Fork("session"),
	}

	srv := &server.Server{
		Addr:    cfg.ListenAddr(),
		Handler: session.HandleConnection,
		Log:     logger.Fork("server"),
	}

	if err := srv.Run(ctx); err != nil {
		logger.ELogf("proxy exited with error: %v", err)
		os.Exit(1)
	}
	logger.ILog("proxy shut down cleanly")
}
