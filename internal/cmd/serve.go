package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/coordinator"
	"github.com/coordinatr/mergequeue/internal/dashboard"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: GroupServices,
	Short:   "Run the coordinator daemon for every configured repository",
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe builds one coordinator.Worker per configured repository, wires
// them into the shared webhook and dashboard HTTP surfaces, and blocks
// until SIGINT/SIGTERM, both of which request a graceful shutdown.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := buildForgeClient(cfg.Global)
	if err != nil {
		return err
	}

	webhookHandler := webhook.NewHandler([]byte(cfg.Global.WebhookSecret))
	dashboardHandler := dashboard.NewHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("shutting down")
		cancel()
	}()

	for _, repoCfg := range cfg.Repos {
		git := gitrepo.NewExecRepo(repoCfg.LocalPath)
		worker := coordinator.New(repoCfg, client, git, client)

		webhookHandler.Register(repoCfg.ID(), worker)
		dashboardHandler.Register(repoCfg.ID(), worker)

		go func() {
			if err := worker.Run(ctx, cfg.Global.SyncInterval); err != nil && ctx.Err() == nil {
				logrus.WithError(err).WithField("repo", repoCfg.ID()).Error("worker stopped unexpectedly")
			}
		}()
	}

	// Composed with a bare http.ServeMux rather than a shared chi.Router:
	// webhookHandler and dashboardHandler each own a complete chi.Router
	// rooted at "/" (so their unit tests can exercise them standalone), and
	// mounting two such routers at the same chi pattern would conflict.
	// ServeMux dispatches by exact/prefix match without that restriction,
	// and forwards the unmodified request path to each sub-router.
	mux := http.NewServeMux()
	mux.Handle("/github", webhookHandler.Routes())
	mux.Handle("/status", dashboardHandler.Routes())
	mux.Handle("/status/", dashboardHandler.Routes())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Global.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", cfg.Global.ListenAddr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildForgeClient picks a personal-access-token or GitHub-App-installation
// client depending on which global credentials are configured, preferring
// the App installation when both are present since that's the production
// credential; a bare token is the fallback used by local/dev setups.
func buildForgeClient(g config.Global) (*forge.GHClient, error) {
	if g.ForgeAppID != 0 {
		keyPEM, err := os.ReadFile(g.ForgeAppKeyPath)
		if err != nil {
			return nil, err
		}
		return forge.NewGHAppClient(g.ForgeAppID, g.ForgeInstallationID, keyPEM)
	}
	return forge.NewGHClient(g.ForgeToken), nil
}
