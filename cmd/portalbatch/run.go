package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/app"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/services/report"
	"github.com/ternarybob/portalbatch/internal/services/runs"
)

// runBatch processes the configured input once and returns the process exit code.
// The first interrupt stops after the current step; the second cancels the run.
func runBatch(config *common.Config, logger arbor.ILogger) int {
	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}
	defer application.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	common.SafeGo(logger, "signals", func() {
		interrupts := 0
		for {
			select {
			case <-sigChan:
				interrupts++
				if interrupts == 1 {
					logger.Warn().Msg("Interrupt received, stopping after the current step (interrupt again to abort)")
					application.Runs.Stop()
					continue
				}
				logger.Warn().Msg("Second interrupt received, aborting run")
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	})

	result, err := application.Runs.RunSync(ctx, runs.StartRequest{})
	if err != nil {
		logger.Error().Err(err).Msg("Run could not start")
		return 2
	}

	fmt.Println()
	fmt.Print(report.Summary(result))

	if result.Error != "" {
		return 1
	}
	if result.Failed > 0 {
		return 3
	}
	return 0
}
