package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/streamhub/internal/hub/adapter"
	"github.com/sawpanic/streamhub/internal/hub/conn"
	"github.com/sawpanic/streamhub/internal/hub/history"
	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/poller"
	"github.com/sawpanic/streamhub/internal/hub/realtime"
	"github.com/sawpanic/streamhub/internal/hub/registry"
	"github.com/sawpanic/streamhub/internal/hub/scheduler"
	"github.com/sawpanic/streamhub/internal/hub/storage"
	"github.com/sawpanic/streamhub/internal/hub/storage/instancecache"
	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
	"github.com/sawpanic/streamhub/internal/hub/transport"
	"github.com/sawpanic/streamhub/internal/hubconfig"
	"github.com/sawpanic/streamhub/internal/httpapi"
	"github.com/sawpanic/streamhub/internal/net/ratelimit"
	"github.com/sawpanic/streamhub/internal/plugins"
	"github.com/sawpanic/streamhub/internal/plugins/overseerr"

	"github.com/jmoiron/sqlx"
)

const version = "v0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "hub",
		Short:   "Real-time integration hub",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub's SSE broker, pollers, and realtime connections",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "config/hub.yaml", "Path to the hub config file")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := hubconfig.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := instancecache.Ping(ctx, rdb); err != nil {
		return err
	}

	pgInstances := storage.NewIntegrationInstances(db)
	if err := seedInstances(ctx, db, cfg.Instances); err != nil {
		return fmt.Errorf("seed instances: %w", err)
	}
	instances := instancecache.New(rdb, pgInstances)

	metricStore := storage.NewMetricHistory(db)
	sources := storage.NewMetricHistorySources(db)
	sysConfig := storage.NewSystemConfig(db)

	pluginRegistry := plugins.Registry()

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	var adaptersMu sync.Mutex
	adapters := make(map[string]*adapter.Adapter)
	adapterCfgs := make(map[string]adapter.Config)
	newAdapter := func(inst storecontracts.Instance) plugin.Adapter {
		acfg := adapter.Config{
			InstanceID: inst.ID,
			BaseURL:    stringConfig(inst.Config, "baseUrl"),
			APIKey:     stringConfig(inst.Config, "apiKey"),
		}
		adaptersMu.Lock()
		defer adaptersMu.Unlock()
		if a, ok := adapters[inst.ID]; ok && adapterCfgs[inst.ID] == acfg {
			return a
		}
		a := adapter.New(acfg, http.DefaultClient, limiter)
		adapters[inst.ID] = a
		adapterCfgs[inst.ID] = acfg
		return a
	}

	privileged := make(map[string]struct{}, len(cfg.Overseerr.PrivilegedUserIDs))
	for _, id := range cfg.Overseerr.PrivilegedUserIDs {
		privileged[id] = struct{}{}
	}
	canSeeAll := func(userID string) bool {
		_, ok := privileged[userID]
		return ok
	}

	connMgr := conn.New(nil)
	tr := transport.New(connMgr)
	tr.RegisterFilter(overseerr.TypeID, overseerr.Filter(canSeeAll))
	reg := registry.New(connMgr, tr, pluginRegistry)
	connMgr.SetGraceExpiredHook(reg.OnGraceExpired)
	connMgr.SetRestoreHook(reg.RestoreSubscribe)

	sched := scheduler.New()
	defer sched.Stop()

	hist := history.New(pluginRegistry, instances, metricStore, sources, sysConfig, sched, newAdapter)
	pollerOrch := poller.New(pluginRegistry, instances, reg, newAdapter, hist)
	realtimeOrch := realtime.New(pluginRegistry, instances, reg, pollerOrch, newAdapter)

	reg.SetHooks(registry.Hooks{
		StartRealtime: realtimeOrch.Start,
		StartPoller:   pollerOrch.Start,
		NotifyEmpty: func(topic string, isRealtime bool) {
			if isRealtime {
				realtimeOrch.OnLastLeave(topic)
			} else {
				pollerOrch.Stop(topic)
			}
		},
	})

	hist.Enable(ctx)

	srv := httpapi.New(httpapi.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}, connMgr, reg, pollerOrch, realtimeOrch, hist)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr()).Msg("hub listening")
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func stringConfig(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// seedInstances idempotently upserts the instances named in the config
// file into Postgres, so config/hub.yaml stays the single source of
// truth for which integrations the hub knows about.
func seedInstances(ctx context.Context, db *sqlx.DB, instances []hubconfig.InstanceConfig) error {
	for _, inst := range instances {
		cfg := map[string]any{"baseUrl": inst.BaseURL, "url": inst.BaseURL, "apiKey": inst.APIKey}
		for k, v := range inst.Extra {
			cfg[k] = v
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config for %s: %w", inst.ID, err)
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO integration_instances (id, type, display_name, enabled, config)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET type = EXCLUDED.type, display_name = EXCLUDED.display_name,
			    enabled = EXCLUDED.enabled, config = EXCLUDED.config`,
			inst.ID, inst.Type, inst.DisplayName, inst.Enabled, raw)
		if err != nil {
			return fmt.Errorf("upsert instance %s: %w", inst.ID, err)
		}
	}
	return nil
}
