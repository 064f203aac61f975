// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Command lmtpd wires the scheduling core to a newline-delimited JSON transport over stdin and
// stdout, and serves Prometheus metrics over HTTP. Wire framing, request authentication, and
// multi-connection fan-out belong to a real deployment's transport layer; this command exists to
// exercise the core end to end and to give operators a starting point to adapt.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anthropic-lmtp/lmtp-scheduler/internal/backendtest"
	"github.com/anthropic-lmtp/lmtp-scheduler/lmtp"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	static := flag.Bool("static", false, "forbid the session from loading new models on demand")
	longrunning := flag.Bool("longrunning", true, "use the lenient eviction policy on session close")
	flag.Parse()

	logger := lo.Must(zap.NewProduction())
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	go serveMetrics(*metricsAddr, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := lmtp.DefaultConfig()
	registry := lmtp.NewSchedulerRegistry(cfg, demoLoader(), lmtp.Threaded, log)

	transport := &stdioTransport{enc: json.NewEncoder(os.Stdout)}
	session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, *static, *longrunning, nil, log)
	defer session.Close(context.Background())

	log.Infow("lmtpd ready", "static", *static, "longrunning", *longrunning)
	runStdinLoop(ctx, session, log)
}

// demoLoader backs every model identifier with the same deterministic fake backend. A real
// deployment supplies an lmtp.BackendLoader that materializes an actual model runtime.
func demoLoader() lmtp.BackendLoader {
	backend := backendtest.New(2 /* eosTokenID */, 8 /* maxBatchSize */)
	backend.Cancellable = true
	return backendtest.NewLoader(backend)
}

func serveMetrics(addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Infow("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("metrics server exited", "error", err)
	}
}

// command is the decoded shape of one line of stdin input: {"cmd": "GENERATE", ...kwargs}.
type command struct {
	Cmd string `json:"cmd"`
}

func runStdinLoop(ctx context.Context, session *lmtp.TokenSession, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var kwargs map[string]any
		if err := json.Unmarshal(line, &kwargs); err != nil {
			log.Warnw("failed to decode command line", "error", err)
			continue
		}

		var cmd command
		if err := json.Unmarshal(line, &cmd); err != nil || cmd.Cmd == "" {
			log.Warnw("command line missing cmd field")
			continue
		}
		delete(kwargs, "cmd")

		if err := session.Handle(ctx, cmd.Cmd, kwargs); err != nil {
			log.Warnw("command handling failed", "cmd", cmd.Cmd, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Errorw("stdin scan failed", "error", err)
	}
}

// stdioTransport implements lmtp.Transport by writing one JSON object per line to stdout.
type stdioTransport struct {
	enc *json.Encoder
}

func (t *stdioTransport) Send(kind string, payload map[string]any) error {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["type"] = kind
	if err := t.enc.Encode(out); err != nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}
