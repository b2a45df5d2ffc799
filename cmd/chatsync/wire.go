package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/api"
	"github.com/dgnsrekt/chatsync/internal/auth"
	"github.com/dgnsrekt/chatsync/internal/chat"
	"github.com/dgnsrekt/chatsync/internal/config"
	"github.com/dgnsrekt/chatsync/internal/data"
	"github.com/dgnsrekt/chatsync/internal/metrics"
	"github.com/dgnsrekt/chatsync/internal/notify"
	"github.com/dgnsrekt/chatsync/internal/readtrack"
	"github.com/dgnsrekt/chatsync/internal/realtime"
	"github.com/dgnsrekt/chatsync/internal/server"
	"github.com/dgnsrekt/chatsync/internal/ws"
)

// app holds the process-wide collaborators of one command run.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector
	tokens   auth.TokenSource
	conn     *realtime.Manager
	api      *api.HTTPClient
	cache    *data.Cache
	loader   *chat.Loader
	unread   *readtrack.Unread
	server   *server.Server
	events   *server.Broadcaster
	sinks    fanout
	feeds    *chat.Feeds

	stopStatus func()
}

func newApp(cfg *config.Config, logger *zap.Logger, sinks ...chat.EventSink) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	tokens := auth.New(cfg.Auth.Token, cfg.Auth.TokenFile)

	sink := notify.New(&notify.Config{
		Enabled:  cfg.Notify.Ntfy.Enabled,
		Server:   cfg.Notify.Ntfy.Server,
		Topic:    cfg.Notify.Ntfy.Topic,
		Priority: cfg.Notify.Ntfy.Priority,
		Tags:     cfg.Notify.Ntfy.Tags,
		Token:    cfg.Notify.Ntfy.Token,
	}, logger)
	throttle := notify.NewThrottle(sink, cfg.Notify.Cooldown, logger, notify.WithMetrics(m))

	dialer, err := ws.NewDialer(cfg.Server.Transport, logger)
	if err != nil {
		return nil, err
	}

	socketURL, err := cfg.SocketURL()
	if err != nil {
		return nil, err
	}
	conn, err := realtime.NewManager(realtime.Config{
		URL:              socketURL,
		BaseDelay:        cfg.Reconnect.BaseDelay,
		MaxDelay:         cfg.Reconnect.MaxDelay,
		HandshakeTimeout: cfg.Reconnect.HandshakeTimeout,
		Heartbeat:        cfg.Reconnect.Heartbeat,
	}, tokens, logger.Named("realtime"),
		realtime.WithDialer(dialer),
		realtime.WithWarner(throttle),
		realtime.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("creating connection manager: %w", err)
	}

	client := api.NewClient(
		cfg.Server.BaseURL,
		tokens,
		cfg.API.RatePerSecond,
		cfg.APITimeout(),
		cfg.APIRetryDelay(),
		cfg.API.RetryCount,
		logger.Named("api"),
	)

	cache := data.NewCache()
	unread := readtrack.NewUnread()
	srv := server.NewServer(conn, cache, unread, logger)
	events := server.NewBroadcaster(func() any { return srv.Status() }, logger.Named("events"))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		tokens:   tokens,
		conn:     conn,
		api:      client,
		cache:    cache,
		loader:   chat.NewLoader(client, cache, logger.Named("loader")),
		unread:   unread,
		server:   srv,
		events:   events,
		sinks:    append(fanout{events}, sinks...),
	}
	a.feeds = chat.NewFeeds(a.deps())
	a.stopStatus = conn.OnStatusChange(func(s realtime.Status) {
		a.sinks.Emit("status", s)
	})
	return a, nil
}

func (a *app) deps() chat.Deps {
	return chat.Deps{
		Conn:    a.conn,
		Loader:  a.loader,
		Cache:   a.cache,
		Unread:  a.unread,
		Events:  a.sinks,
		Metrics: a.metrics,
		Logger:  a.logger.Named("chat"),
		Feeds:   a.feeds,
	}
}

// serveDebug starts the debug HTTP surface when configured. The returned
// function waits for it to stop after ctx is cancelled.
func (a *app) serveDebug(ctx context.Context) func() {
	if a.cfg.Debug.Addr == "" {
		return func() {}
	}
	handler := server.NewRouter(a.server, a.events, a.registry, a.logger.Named("debug"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx, a.cfg.Debug.Addr, handler, a.logger); err != nil {
			a.logger.Error("debug server error", zap.Error(err))
		}
	}()
	return func() {
		a.events.Close()
		<-done
	}
}

// waitConnected blocks until the Manager reports connected.
func (a *app) waitConnected(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	stop := a.conn.OnStatusChange(func(s realtime.Status) {
		if s != realtime.StatusConnected {
			return
		}
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection (%s): %w", a.conn.Status(), ctx.Err())
	}
}

func (a *app) close() {
	a.stopStatus()
	a.conn.Close()
	a.events.Close()
}

// fanout forwards events to every sink.
type fanout []chat.EventSink

func (f fanout) Emit(kind string, payload any) {
	for _, s := range f {
		s.Emit(kind, payload)
	}
}
