// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command pathfinder-call issues one call and prints every response it gets,
// one JSON line per outcome.
//
//	pathfinder-call -target tcp://127.0.0.1:9650 -op ping
//	pathfinder-call -target ws://127.0.0.1:9651/rpc -op find_shortest_path -params @graph.json
//	pathfinder-call -target inproc://local -op compute_graph_metrics -params '{"points":[],"edges":[]}'
//
// The inproc://local target runs the pathfinder handler inside the command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/luxfi/router"
	"github.com/luxfi/router/pathfinder"
	"github.com/luxfi/router/storage"
	_ "github.com/luxfi/router/transport/amqp"
	_ "github.com/luxfi/router/transport/grpcstream"
	"github.com/luxfi/router/transport/inproc"
	_ "github.com/luxfi/router/transport/tcp"
	_ "github.com/luxfi/router/transport/ws"
)

const localBridge = "local"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pathfinder-call: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("pathfinder-call", flag.ContinueOnError)
	var (
		target     = fs.String("target", "tcp://127.0.0.1:9650", "server URL; schemes: "+strings.Join(router.AvailableTransports(), ", "))
		op         = fs.String("op", string(router.OpPing), "operation")
		params     = fs.String("params", "{}", "JSON parameters, @file to read a file, or - for stdin")
		timeout    = fs.Duration("timeout", 30*time.Second, "overall deadline")
		abortAfter = fs.Duration("abort-after", 0, "send an Abort after this long")
		verbose    = fs.Bool("v", false, "log transport details")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	raw, err := readParams(*params, stdin)
	if err != nil {
		return err
	}
	typed, err := router.DecodeParams(router.Operation(*op), raw)
	if err != nil {
		return err
	}

	if *target == inproc.Scheme+"://"+localBridge {
		bridge, err := inproc.New(pathfinder.New(pathfinder.WithStore(storage.NewMemory())), inproc.WithLogger(log))
		if err != nil {
			return err
		}
		if err := bridge.Listen(localBridge); err != nil {
			return err
		}
		defer bridge.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := router.Dial(ctx, *target, router.WithClientLogger(log))
	if err != nil {
		return err
	}
	defer client.Close()

	s, err := client.Call(ctx, router.Operation(*op), typed)
	if err != nil {
		return err
	}
	if *abortAfter > 0 {
		t := time.AfterFunc(*abortAfter, func() {
			if err := s.Abort("aborted from the command line"); err != nil {
				log.Warn("abort failed", "error", err)
			}
		})
		defer t.Stop()
	}

	enc := json.NewEncoder(stdout)
	for {
		o, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(router.WireResponse{ID: s.ID(), Outcome: o}); err != nil {
			return err
		}
		if o.Kind == router.OutcomeError {
			return fmt.Errorf("call failed: %w", o.Err)
		}
	}
}

func readParams(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		return os.ReadFile(arg[1:])
	default:
		return []byte(arg), nil
	}
}
