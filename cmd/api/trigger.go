package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"callflow/batch"
	"callflow/config"
)

// runTrigger fires ProcessQueue on a cron expression for deployments without
// an external scheduler. The engine itself stays trigger-agnostic: this loop
// is just a built-in stand-in for the periodic external trigger.
func runTrigger(ctx context.Context, cfg config.Config, processor *batch.Processor, logger *slog.Logger) {
	g := gronx.New()
	if !g.IsValid(cfg.TriggerCron) {
		logger.Error("invalid trigger cron expression, trigger disabled", "cron", cfg.TriggerCron)
		return
	}

	logger.Info("in-process trigger enabled", "cron", cfg.TriggerCron)

	// Cron granularity is one minute; checking once per minute avoids
	// double-firing within the same tick.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := g.IsDue(cfg.TriggerCron, time.Now())
			if err != nil || !due {
				continue
			}

			passCtx, cancel := context.WithTimeout(ctx, cfg.TriggerTimeout)
			summary, err := processor.ProcessQueue(passCtx, cfg.DefaultBatchCap)
			cancel()
			if err != nil {
				logger.Error("triggered pass failed", "error", err)
				continue
			}
			logger.Info("triggered pass complete", "processed", summary.Processed, "errors", summary.Errors)
		}
	}
}
