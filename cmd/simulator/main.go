package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/des-testbed/des-chan/internal/sim"
)

func main() {
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Fatalf("Failed to create logs directory: %v", err)
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFile, err := os.OpenFile("logs/sim_"+timestamp+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	scenarioPath := flag.String("scenario", "scenario.yaml", "YAML or JSON scenario description")
	resultsPath := flag.String("results", "", "override the scenario's results file")
	flag.Parse()

	sc, err := sim.LoadScenario(*scenarioPath)
	if err != nil {
		log.Fatalf("scenario: %v", err)
	}
	if *resultsPath != "" {
		sc.ResultsFile = *resultsPath
	}

	runner, err := sim.NewRunner(sc)
	if err != nil {
		log.Fatalf("runner: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	type outcome struct {
		summary *sim.Summary
		err     error
	}
	runCh := make(chan outcome, 1)
	go func() {
		s, err := runner.Run()
		runCh <- outcome{s, err}
	}()

	var out outcome
	select {
	case out = <-runCh:
	case s := <-sigCh:
		log.Printf("received signal %v: winding down", s)
		runner.Stop()
		out = <-runCh
	}
	if out.err != nil {
		log.Fatalf("run: %v", out.err)
	}

	if sc.ResultsFile != "" {
		if err := out.summary.Flush(sc.ResultsFile); err != nil {
			log.Printf("flush results: %v", err)
		} else {
			log.Printf("run complete, results written to %s", sc.ResultsFile)
		}
	}
}
