package commands

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-island/claude-island/internal/config"
	"github.com/claude-island/claude-island/internal/event"
	"github.com/claude-island/claude-island/internal/hook"
	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/internal/policy"
	"github.com/claude-island/claude-island/internal/server"
	"github.com/claude-island/claude-island/internal/state"
	"github.com/claude-island/claude-island/internal/watcher"
)

var (
	serveListen string
	serveSocket string
	serveRoot   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the claude-island daemon",
	Long: `Start the daemon: watch the sessions root, accept hook events on
the unix socket, and serve the frontend API.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Frontend listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "Hook socket path (overrides config)")
	serveCmd.Flags().StringVar(&serveRoot, "sessions-root", "", "Sessions root to watch (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}
	if serveSocket != "" {
		cfg.SocketPath = serveSocket
	}
	if serveRoot != "" {
		cfg.SessionsRoot = serveRoot
	}
	// The flag wins over the config file's log_level.
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		logging.Init(logging.Config{
			Level:     logging.ParseLevel(cfg.LogLevel),
			Pretty:    printLogs,
			LogToFile: logFile,
		})
	}

	logging.Info().
		Str("version", Version).
		Str("sessionsRoot", cfg.SessionsRoot).
		Str("socket", cfg.SocketPath).
		Str("listen", cfg.ListenAddr).
		Msg("starting claude-islandd")

	// Signals feed a cancellation that drives the shutdown sequence.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()

	store := state.NewStore(bus)
	mutatorCtx, cancelMutator := context.WithCancel(context.Background())
	go store.Run(mutatorCtx)

	pol := policy.New(cfg.Policy)

	hooks := hook.NewServer(cfg.SocketPath, config.ApprovalTimeout(cfg), store, pol)
	if err := hooks.Start(ctx); err != nil {
		cancelMutator()
		return err
	}

	w, err := watcher.New(cfg.SessionsRoot, config.DebounceWindow(cfg), store)
	if err != nil {
		hooks.Stop()
		cancelMutator()
		return err
	}
	w.Start(ctx)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = cfg.ListenAddr
	srv := server.New(serverCfg, store, bus, hooks, w.Healthy)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.ListenAddr).Msg("frontend endpoint listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logging.Error().Err(err).Msg("frontend endpoint failed")
		stop()
	}

	// Ordered shutdown: stop ingesting, deny held approvals, drain the
	// mutator, resync subscribers, then close the HTTP listener.
	if err := w.Stop(); err != nil {
		logging.Warn().Err(err).Msg("watcher stop failed")
	}
	hooks.Stop()

	cancelMutator()
	<-store.Done()

	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("frontend shutdown failed")
	}

	logging.Info().Msg("claude-islandd stopped")
	return nil
}
