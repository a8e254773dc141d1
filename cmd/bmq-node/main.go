// bmq-node runs a standalone bmq instance: it listens on the configured
// endpoints, registers a small public category, and serves its Prometheus
// metrics over HTTP.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bmq-net/bmq"
)

const (
	Version = "0.1.0"
	Name    = "bmq-node"
)

func main() {
	var (
		listenCurve = flag.String("listen-curve", "", "curve-authenticated endpoint to bind (e.g. tcp://0.0.0.0:7700)")
		listenPlain = flag.String("listen-plain", "", "plain-text endpoint to bind (e.g. tcp://127.0.0.1:7701)")
		metricsAddr = flag.String("metrics", "127.0.0.1:9670", "HTTP address for Prometheus metrics, empty to disable")
		masterNode  = flag.Bool("master-node", false, "enable master-node category handling")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", Name, Version)
		os.Exit(0)
	}
	if *listenCurve == "" && *listenPlain == "" {
		fmt.Fprintln(os.Stderr, "at least one of -listen-curve / -listen-plain is required")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	conf := bmq.DefaultConfig()
	conf.Logger = logger
	conf.MasterNode = *masterNode

	node, err := bmq.New(conf)
	if err != nil {
		logger.Fatal("creating instance", zap.Error(err))
	}

	node.AddCategory("public", bmq.AuthNone.Access()).
		AddRequestCommand("ping", func(m *bmq.Message) {
			m.SendReply("pong")
		}).
		AddCommand("hello", func(m *bmq.Message) {
			logger.Info("hello received", zap.Strings("data", m.Data))
		})

	if *listenCurve != "" {
		if err := node.ListenCurve(*listenCurve, nil); err != nil {
			logger.Fatal("listen-curve", zap.Error(err))
		}
	}
	if *listenPlain != "" {
		if err := node.ListenPlain(*listenPlain, nil); err != nil {
			logger.Fatal("listen-plain", zap.Error(err))
		}
	}

	if err := node.Start(); err != nil {
		logger.Fatal("starting", zap.Error(err))
	}
	logger.Info("started",
		zap.String("pubkey", hex.EncodeToString([]byte(node.Pubkey()))),
		zap.String("curve", *listenCurve),
		zap.String("plain", *listenPlain))

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(node.MetricsRegistry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("metrics", zap.String("addr", *metricsAddr))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	node.Stop()
}
