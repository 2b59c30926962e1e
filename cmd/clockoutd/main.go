package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avollmer/clockout/internal/api/rest"
	"github.com/avollmer/clockout/internal/billing"
	"github.com/avollmer/clockout/internal/config"
	"github.com/avollmer/clockout/internal/daemon"
	"github.com/avollmer/clockout/internal/gitwatch"
	"github.com/avollmer/clockout/internal/jira"
	"github.com/avollmer/clockout/internal/match"
	"github.com/avollmer/clockout/internal/pipeline"
	"github.com/avollmer/clockout/internal/ticket"
	"github.com/avollmer/clockout/internal/timer"
)

func main() {
	configPath := flag.String("config", "", "path to clockout.yaml")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.Jira.BaseURL == "" || cfg.Billing.BaseURL == "" {
		logger.Fatal("jira.base_url and billing.base_url must be configured")
	}

	// Backend clients.
	jiraClient, err := jira.NewClient(cfg.Jira.BaseURL, cfg.Jira.Email, cfg.Jira.Token, logger)
	if err != nil {
		logger.Fatal("failed to create jira client", zap.Error(err))
	}
	billingClient := billing.NewClient(cfg.Billing.BaseURL, cfg.Billing.Token, cfg.Billing.OrganizationID, logger)

	// Matching and discovery.
	mappings := config.NewMappings(cfg)
	projectMatcher := match.NewProjectMatcher(billingClient, mappings, logger)

	var prober match.Prober
	if cfg.ProbeEnabled {
		prober = match.NewCreateDeleteProber(billingClient, logger)
	} else {
		prober = match.NoopProber{}
	}
	serviceDiscoverer := match.NewServiceDiscoverer(billingClient, prober, logger)

	// Branch monitoring.
	monitor := gitwatch.NewMonitor(cfg.Workspaces, cfg.PollInterval, logger)
	resolver := ticket.NewResolver(jiraClient, logger)

	// Host UI push events.
	events := rest.NewBroadcaster(logger)
	defer events.Close()

	// Timer.
	tm := timer.New(jiraClient, logger,
		timer.WithIntervals(time.Second, cfg.AuthCheckInterval),
		timer.WithUpdateFunc(func(display string, running bool) {
			events.Publish(rest.Event{Type: "update", Payload: rest.UpdatePayload{Time: display, IsRunning: running}})
		}),
		timer.WithAuthLostFunc(func() {
			events.Notify("warning", "Ticket store authentication was lost; the timer has been stopped.")
		}),
	)
	defer tm.Dispose()

	// Dual logging pipeline. The note source prefers the latest observed
	// commit message across all workspaces.
	lastNote := func() string {
		for _, ws := range cfg.Workspaces {
			if msg := monitor.LastCommitMessage(ws); msg != "" {
				return msg
			}
		}
		return ""
	}
	pipe := pipeline.New(
		jiraClient,
		billingClient,
		projectMatcher,
		serviceDiscoverer,
		jiraClient,
		mappings,
		cfg.Billing.PersonID,
		lastNote,
		logger,
	)

	d := daemon.New(monitor, resolver, tm, pipe, events, logger)

	// Host command API.
	handler := rest.NewHandler(d, events, logger)
	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("starting host API server", zap.String("address", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := d.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("daemon stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}
