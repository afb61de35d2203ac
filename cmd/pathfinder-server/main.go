// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command pathfinder-server serves the pathfinder operations over every
// configured transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/router"
	"github.com/luxfi/router/internal/config"
	"github.com/luxfi/router/pathfinder"
	"github.com/luxfi/router/storage"
	"github.com/luxfi/router/storage/sqlite"
	"github.com/luxfi/router/transport/amqp"
	"github.com/luxfi/router/transport/grpcstream"
	"github.com/luxfi/router/transport/jsonrpc"
	"github.com/luxfi/router/transport/tcp"
	"github.com/luxfi/router/transport/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pathfinder-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Parse("pathfinder-server", args)
	if err != nil {
		return err
	}
	log := cfg.Logger(os.Stderr)
	slog.SetDefault(log)

	store, closeStore, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := pathfinder.New(
		pathfinder.WithStore(store),
		pathfinder.WithConcurrency(int64(cfg.Workers)),
		pathfinder.WithLogger(log),
	)
	routerOpts := []router.Option{
		router.WithRegisterer(reg),
		router.WithAbortAcknowledgement(cfg.AbortAck),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if err := start(ctx, g, cfg, log, handler, routerOpts, reg); err != nil {
		cancel()
		g.Wait()
		return err
	}

	err = g.Wait()
	log.Info("shut down", "error", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// start launches every configured transport on g. When it fails, the
// transports already started keep running until ctx is cancelled.
func start(ctx context.Context, g *errgroup.Group, cfg config.Config, log *slog.Logger, handler router.CallHandler, routerOpts []router.Option, reg *prometheus.Registry) error {

	if cfg.TCP.Addr != "" {
		ln, err := net.Listen("tcp", cfg.TCP.Addr)
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		srv, err := tcp.NewServer(ln, handler,
			tcp.WithLogger(log),
			tcp.WithWriteTimeout(cfg.TCP.WriteTimeout),
			tcp.WithRouterOptions(routerOpts...),
		)
		if err != nil {
			ln.Close()
			return err
		}
		log.Info("serving", "transport", "tcp", "addr", ln.Addr().String())
		g.Go(func() error { return srv.Serve(ctx) })
	}

	if cfg.WS.Addr != "" {
		opts := []ws.Option{
			ws.WithLogger(log),
			ws.WithMaxDecodeErrors(cfg.WS.MaxDecodeErrors),
			ws.WithUserID(func(r *http.Request) string { return r.Header.Get("X-User-ID") }),
			ws.WithRouterOptions(routerOpts...),
		}
		if cfg.WS.RateLimit > 0 {
			opts = append(opts, ws.WithRateLimit(cfg.WS.RateLimit, cfg.WS.Burst))
		}
		h, err := ws.NewHandler(handler, opts...)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.WS.Path, h)
		log.Info("serving", "transport", "ws", "addr", cfg.WS.Addr, "path", cfg.WS.Path)
		g.Go(func() error { return serveHTTP(ctx, cfg.WS.Addr, mux, cfg.ShutdownTimeout) })
	}

	if cfg.GRPC.Addr != "" {
		ln, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		srv, err := grpcstream.NewServer(handler,
			grpcstream.WithLogger(log),
			grpcstream.WithRouterOptions(routerOpts...),
		)
		if err != nil {
			ln.Close()
			return err
		}
		log.Info("serving", "transport", "grpc", "addr", ln.Addr().String())
		g.Go(func() error { return srv.Serve(ln) })
		g.Go(func() error {
			<-ctx.Done()
			stopped := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(cfg.ShutdownTimeout):
				srv.Stop()
			}
			return nil
		})
	}

	if cfg.JSONRPC.Addr != "" {
		bridge, err := jsonrpc.NewBridge(handler,
			jsonrpc.WithLogger(log),
			jsonrpc.WithCallTimeout(cfg.JSONRPC.CallTimeout),
			jsonrpc.WithRouterOptions(routerOpts...),
		)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.JSONRPC.Path, bridge)
		log.Info("serving", "transport", "jsonrpc", "addr", cfg.JSONRPC.Addr, "path", cfg.JSONRPC.Path)
		g.Go(func() error { return serveHTTP(ctx, cfg.JSONRPC.Addr, mux, cfg.ShutdownTimeout) })
	}

	if cfg.AMQP.URL != "" {
		srv, err := amqp.Listen(cfg.AMQP.URL, cfg.AMQP.Queue, handler,
			amqp.WithLogger(log),
			amqp.WithPrefetch(cfg.AMQP.Prefetch),
			amqp.WithRouterOptions(routerOpts...),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer srv.Close()
			return srv.Serve(ctx)
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
		g.Go(func() error { return serveHTTP(ctx, cfg.MetricsAddr, mux, cfg.ShutdownTimeout) })
	}
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "none":
		return storage.Nop{}, func() {}, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

// serveHTTP serves h on addr until ctx ends, then shuts down within timeout.
func serveHTTP(ctx context.Context, addr string, h http.Handler, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
