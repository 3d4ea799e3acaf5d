// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qgov/internal/config"
	"github.com/autobrr/qgov/internal/database"
	"github.com/autobrr/qgov/internal/domain"
	"github.com/autobrr/qgov/internal/logger"
	"github.com/autobrr/qgov/internal/metrics"
	"github.com/autobrr/qgov/internal/metrics/collector"
	"github.com/autobrr/qgov/internal/models"
	"github.com/autobrr/qgov/internal/qbittorrent"
	"github.com/autobrr/qgov/internal/services/autoremove"
	"github.com/autobrr/qgov/internal/services/governor"
	"github.com/autobrr/qgov/internal/services/notifications"
	"github.com/autobrr/qgov/internal/sitehelper"
)

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governor and auto-remove engines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the directory containing config.toml")

	return cmd
}

func serve(configPath string) error {
	cfg, err := config.New(configPath, version)
	if err != nil {
		return err
	}

	logger.Setup(cfg.Config)
	cfg.OnReload(func(c *domain.Config) {
		logger.SetLevel(c.LogLevel)
	})

	log.Info().Str("version", version).Str("commit", commit).Msg("starting qgov")

	db, err := database.New(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	instanceStore := models.NewInstanceStore(db)
	siteStore := models.NewSiteStore(db)
	speedRuleStore := models.NewSpeedRuleStore(db)
	removeRuleStore := models.NewRemoveRuleStore(db)
	limitStateStore := models.NewLimitStateStore(db)
	settingStore := models.NewAppSettingStore(db)
	appLogStore := models.NewAppLogStore(db)

	pool := qbittorrent.NewClientPool(instanceStore)
	defer pool.Close()

	siteHelpers := sitehelper.NewManager()
	notifier := notifications.NewService(settingStore)

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager()
	}

	governorSvc := governor.NewService(governor.Options{
		InstanceStore:   instanceStore,
		SiteStore:       siteStore,
		SpeedRuleStore:  speedRuleStore,
		LimitStateStore: limitStateStore,
		SettingStore:    settingStore,
		AppLogStore:     appLogStore,
		Clients: func(ctx context.Context, instanceID int) (governor.InstanceClient, error) {
			return pool.GetClient(ctx, instanceID)
		},
		SiteHelpers:  siteHelpers,
		Metrics:      governorMetrics(metricsManager),
		TickInterval: time.Duration(cfg.Config.GovernorTickSeconds) * time.Second,
		SaveInterval: time.Duration(cfg.Config.StateSaveSeconds) * time.Second,
	})

	removeSvc := autoremove.NewService(autoremove.Options{
		InstanceStore:   instanceStore,
		RemoveRuleStore: removeRuleStore,
		SettingStore:    settingStore,
		AppLogStore:     appLogStore,
		Clients: func(ctx context.Context, instanceID int) (autoremove.InstanceClient, error) {
			return pool.GetClient(ctx, instanceID)
		},
		Notifier: notifier,
		Metrics:  removalMetrics(metricsManager),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	governorSvc.Start()
	removeSvc.Start()

	g, gctx := errgroup.WithContext(ctx)

	if metricsManager != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsManager.GetRegistry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Config.MetricsAddr, Handler: mux}

		g.Go(func() error {
			log.Info().Str("addr", cfg.Config.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()

	log.Info().Msg("shutting down")
	governorSvc.Stop()
	removeSvc.Stop()
	notifier.Stop()

	return err
}

func governorMetrics(m *metrics.Manager) *collector.GovernorCollector {
	if m == nil {
		return nil
	}
	return m.GovernorCollector
}

func removalMetrics(m *metrics.Manager) *collector.RemovalCollector {
	if m == nil {
		return nil
	}
	return m.RemovalCollector
}
