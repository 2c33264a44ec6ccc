// Package main is the entry point for the function execution agent: it
// loads configuration, wires every component into an AgentContext, and
// runs the dispatcher's intake loop until signaled to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nanogrid/function-agent/internal/agentctx"
	"github.com/nanogrid/function-agent/internal/config"
	"github.com/nanogrid/function-agent/internal/logctx"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "function-agent",
		Short: "Single-host function execution agent",
		Long: `function-agent polls a queue for function invocation requests, runs
each one inside a warm, paused Docker container, and publishes the
result on a pub/sub bus.

Configuration is resolved from (in order): --config, the AGENT_CONFIG
environment variable, ./config.yaml, then AGENT_-prefixed environment
variables, which always win for aws_region, sqs_queue_url, and the
Redis host/port.`,
		RunE: runAgent,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.yaml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}

	if err := logctx.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed: invalid log_level:", err)
		os.Exit(1)
	}
	log := logrus.StandardLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logctx.WithLogger(ctx, log)

	ac, err := agentctx.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to wire agent")
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("metrics listening on :9090/metrics")
		if err := http.ListenAndServe(":9090", mux); err != nil {
			log.WithError(err).Warn("metrics server exited")
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		log.WithField("queue", cfg.SQSQueueURL).Info("dispatcher starting")
		runDone <- ac.Dispatcher.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("signal received, draining in-flight jobs")
		cancel()
	case err := <-runDone:
		if err != nil {
			log.WithError(err).Error("dispatcher exited unexpectedly")
			os.Exit(2)
		}
		return nil
	}

	<-runDone
	ac.Pool.Shutdown(context.Background())
	log.Info("shutdown complete")
	return nil
}
