package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/des-testbed/des-chan/internal/agent"
	"github.com/des-testbed/des-chan/internal/config"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/network"
	"github.com/des-testbed/des-chan/internal/telemetry"
	"github.com/des-testbed/des-chan/internal/utils"
	"github.com/des-testbed/des-chan/internal/viz"
)

func main() {
	configPath := flag.String("config", "chand.yaml", "node configuration (YAML or JSON)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		log.Fatalf("Failed to create %s directory: %v", cfg.LogDir, err)
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "chand_"+timestamp+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("chand starting: node %d listening on %s", cfg.NodeID, cfg.Listen)

	peers := make(map[mesh.NodeID]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.Node] = p.Addr
	}
	medium, err := network.NewUDPMedium(cfg.NodeID, cfg.Listen, cfg.Broadcast, peers)
	if err != nil {
		log.Fatalf("medium: %v", err)
	}

	reg := metrics.NewRegistry()
	opts := agent.Options{Registry: reg}

	var sink *telemetry.Sink
	if cfg.Telemetry.Broker != "" {
		sink, err = telemetry.NewSink(cfg.Telemetry.Broker, cfg.Telemetry.Topic, fmt.Sprintf("chand-%d", cfg.NodeID), reg)
		if err != nil {
			log.Printf("telemetry: %v, continuing without a history sink", err)
			sink = nil
		} else {
			opts.History = sink
		}
	}

	a, err := agent.NewAgent(cfg, mesh.NewSystemClock(), medium, opts)
	if err != nil {
		log.Fatalf("agent: %v", err)
	}
	if err := a.Start(); err != nil {
		log.Fatalf("agent: %v", err)
	}

	var observer *viz.Server
	if cfg.ObserveListen != "" {
		observer = viz.NewServer(cfg.ObserveListen, a.Bus(), a)
		observer.Start()
		log.Printf("observation server on %s", cfg.ObserveListen)
	}

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("prometheus metrics on %s/metrics", cfg.MetricsListen)
	}

	monQuit := make(chan struct{})
	utils.MonitorResources(30*time.Second, monQuit)

	go a.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	s := <-sigCh
	log.Printf("received signal %v: shutting down", s)
	close(monQuit)

	if observer != nil {
		observer.Close()
	}
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	a.Stop()
	medium.Close()
	if sink != nil {
		sink.Close()
	}
	log.Println("shutdown complete")
}
