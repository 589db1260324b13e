// Command agent runs the local tunnel endpoint: it accepts SOCKS5 and
// HTTP/HTTPS client connections, authenticates to a configured proxy server
// as a single fixed user, and relays traffic through the encrypted channel.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sammck-go/ppaasstunnel/internal/agentconfig"
	"github.com/sammck-go/ppaasstunnel/pkg/agenttunnel"
	"github.com/sammck-go/ppaasstunnel/pkg/applog"
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
	cfg, err := agentconfig.Parse(os.Args[1:])
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
	logger, err := applog.New("agent", applog.Options{Dir: cfg.LogDir(), Level: level})
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

	dispatcher := &agenttunnel.Dispatcher{
		Users:          users,
		Username:       cfg.Username(),
		ConnectTimeout: cfg.ConnectTimeout(),
		Log:            logger.Fork("tunnel"),
	}

	srv := &server.Server{
		Addr:    cfg.ListenAddr(),
		Handler: dispatcher.HandleConnection,
		Log:     logger.Fork("server"),
	}

	if err := srv.Run(ctx); err != nil {
		logger.ELogf("agent exited with error: %v", err)
		os.Exit(1)
	}
	logger.ILog("agent shut down cleanly")
}
