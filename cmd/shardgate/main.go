package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shardgate/shardgate/internal/admin"
	"github.com/shardgate/shardgate/internal/api"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/engine"
	"github.com/shardgate/shardgate/internal/health"
	"github.com/shardgate/shardgate/internal/metrics"
	"github.com/shardgate/shardgate/internal/mirror"
	"github.com/shardgate/shardgate/internal/proxy"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/statsregistry"
)

func main() {
	configPath := flag.String("config", "configs/shardgate.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("shardgate starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	slog.Info("configuration loaded", "path", *configPath, "shards", len(cfg.Shards))

	m := metrics.New()

	cl, err := cfg.ToCluster(m)
	if err != nil {
		log.Fatalf("building cluster: %v", err)
	}

	rt := router.New(cfg.ToShardingSchema(), cfg.ToRouterConfig())
	eng := engine.New(cl, rt, cfg.ToEngineConfig())

	if mirrorCfg, ok := cfg.ToMirrorConfig(); ok {
		if mirrorCluster, ok := cfg.ToMirrorCluster(m); ok {
			eng.Mirror = mirror.New(mirrorCluster, mirrorCfg)
			slog.Info("mirroring enabled", "exposure", mirrorCfg.Exposure)
		} else {
			slog.Warn("mirror configured but no mirror shards defined, mirroring disabled")
		}
	}

	clients := statsregistry.New()
	servers := statsregistry.New()
	adm := admin.NewHandler(cl, clients, servers)

	hc := health.NewChecker(cl, m, cfg.HealthCheck.Interval, cfg.HealthCheck.FailureThreshold, cfg.HealthCheck.ConnectionTimeout)
	hc.Start()

	reproberCtx, stopReprobers := context.WithCancel(context.Background())
	defer stopReprobers()
	cl.StartRoleReprobers(reproberCtx, cfg.HealthCheck.Interval)

	proxyServer := proxy.NewServer(cl, eng, adm, hc, m, clients, servers, cfg.Listen)
	if err := proxyServer.Listen(); err != nil {
		log.Fatalf("starting proxy listener: %v", err)
	}

	apiServer := api.NewServer(cl, hc, m, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("starting API server: %v", err)
	}

	// shutdownCh receives a signal from the admin SHUTDOWN command as well as
	// from the OS signal handler below, so both paths converge on one
	// graceful stop.
	shutdownCh := make(chan os.Signal, 1)

	adm.Reload = func() error {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = newCfg
		return nil
	}
	adm.Shutdown = func() {
		shutdownCh <- syscall.SIGTERM
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("configuration changed on disk, reloaded for next restart")
		cfg = newCfg
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("shardgate ready", "postgres_port", cfg.Listen.PostgresPort, "admin_port", cfg.Listen.AdminPort, "api_port", cfg.Listen.APIPort)

	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()

	slog.Info("shardgate stopped")
}
