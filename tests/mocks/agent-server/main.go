// Command agent-server runs the fake agent backend on a TCP address, for
// manual testing of the CLI against scripted sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inercia/agentchat/tests/mocks/agentserver"
)

func main() {
	var (
		addr         string
		scenarioDir  string
		defaultDelay time.Duration
		verbose      bool
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:8000", "Address to listen on")
	flag.StringVar(&scenarioDir, "scenarios", "", "Directory containing scenario JSON files")
	flag.DurationVar(&defaultDelay, "delay", 50*time.Millisecond, "Delay between streamed chunks")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if scenarioDir == "" {
		for _, c := range []string{"tests/fixtures/scenarios", "../fixtures/scenarios", "../../fixtures/scenarios"} {
			if info, err := os.Stat(c); err == nil && info.IsDir() {
				scenarioDir = c
				break
			}
		}
	}

	var scenarios []*agentserver.Scenario
	if scenarioDir != "" {
		var err error
		if scenarios, err = agentserver.LoadScenarios(scenarioDir); err != nil {
			log.Error("failed to load scenarios", "dir", scenarioDir, "error", err)
			os.Exit(1)
		}
		for _, sc := range scenarios {
			log.Debug("loaded scenario", "name", sc.Name)
		}
	}

	backend := agentserver.New(agentserver.WithScript(
		agentserver.ScenarioScript(scenarios, agentserver.EchoScript, defaultDelay)))
	srv := &http.Server{Addr: addr, Handler: backend, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("fake agent backend listening", "addr", addr, "scenarios", len(scenarios))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
