package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/taskmirror/internal/cache"
	"github.com/njoerd114/taskmirror/internal/config"
	"github.com/njoerd114/taskmirror/internal/homeassistant"
	syncp "github.com/njoerd114/taskmirror/internal/sync"
	"github.com/njoerd114/taskmirror/internal/telemetry"
	"github.com/njoerd114/taskmirror/internal/vdir"
)

// app is the wired set of components every command works on.
type app struct {
	cfg      *config.Config
	local    *cache.Store
	provider *syncp.Provider
	watcher  syncp.Watcher // nil unless the remote can push changes

	closers []func() error
}

// Close releases the databases and flushes telemetry.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

// newApp loads the config and wires the replicas. withTelemetry starts the
// OTLP exporters when the config asks for them.
func newApp(ctx context.Context, withTelemetry bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Debug("config loaded",
		"remote", cfg.Remote.Kind,
		"cache_path", cfg.CachePath,
		"schedule", cfg.Schedule,
	)

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if tc, enabled := telemetry.FromYAML(cfg.Telemetry); withTelemetry && enabled {
		shutdown, err := telemetry.Setup(ctx, tc)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", tc.OTLPEndpoint)
			a.closers = append(a.closers, func() error {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return shutdown(flushCtx)
			})
		}
	}

	a.local, err = cache.Open(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("opening cache at %q: %w", cfg.CachePath, err)
	}
	a.closers = append(a.closers, a.local.Close)

	var remote syncp.Source
	switch cfg.Remote.Kind {
	case config.RemoteHomeAssistant:
		src, err := a.homeAssistant(ctx)
		if err != nil {
			return nil, err
		}
		remote, a.watcher = src, src
	case config.RemoteVdir:
		remote, err = vdir.New(cfg.Remote.Path, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("no remote configured")
	}

	a.provider = syncp.NewProvider(remote, a.local, logger,
		syncp.WithCreateMissing(cfg.CreateMissingCalendars),
	)
	ok = true
	return a, nil
}

func (a *app) homeAssistant(ctx context.Context) (*homeassistant.Source, error) {
	rc := a.cfg.Remote
	adapter, err := homeassistant.NewAdapter(rc.HAURL, rc.HAToken, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising Home Assistant client: %w", err)
	}

	logger.Debug("pinging Home Assistant", "url", rc.HAURL)
	if err := adapter.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to Home Assistant at %q: %w\n\nCheck remote.ha_url and remote.ha_token in your config file", rc.HAURL, err)
	}

	shadow, err := cache.Open(rc.ShadowPath)
	if err != nil {
		return nil, fmt.Errorf("opening HA shadow at %q: %w", rc.ShadowPath, err)
	}
	a.closers = append(a.closers, shadow.Close)

	return homeassistant.NewSource(adapter, shadow, rc.Entities, logger), nil
}
