package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PabloZaiden/ralpher/internal/agent"
	backendpkg "github.com/PabloZaiden/ralpher/internal/backend"
	"github.com/PabloZaiden/ralpher/internal/config"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	"github.com/PabloZaiden/ralpher/internal/fileutil"
	"github.com/PabloZaiden/ralpher/internal/loop"
	"github.com/PabloZaiden/ralpher/internal/manager"
	"github.com/PabloZaiden/ralpher/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ralpherd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// remoteDialer builds the production Dialer passed to the Backend
// Manager: every workspace reaches its agent over HTTP/WS via
// agent.Remote, addressed by the workspace's own ServerSettings
// (spawn mode still dials a loopback URL; the process it talks to is
// started out-of-band of ralpherd itself).
func remoteDialer(settings loop.ServerSettings) (agent.Backend, error) {
	scheme := "http"
	if settings.UseTLS {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s:%d", scheme, settings.Hostname, settings.Port)
	return agent.NewRemote(baseURL), nil
}

func runServe(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.ApplyFlags(dataDirFlag, logLevelFlag); err != nil {
		return fmt.Errorf("applying flags: %w", err)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return fmt.Errorf("%d configuration error(s)", len(errs))
	}

	slog.SetLogLoggerLevel(cfg.LogLevel)

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(slog.Default())
	backends := backendpkg.New(remoteDialer, 0)
	mgr := manager.New(st, backends, bus)

	pending, err := mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering loops: %w", err)
	}
	slog.Info("ralpherd started", "dataDir", cfg.DataDir, "pendingLoops", len(pending))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	mgr.Shutdown(ctx)
	return nil
}
