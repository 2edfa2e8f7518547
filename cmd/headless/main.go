// Command headless boots a layout pipeline for about:blank, performs one
// reflow and exits.
//
// Set HARNESS_LOG_JSON=1 for JSON logs.
package main

import (
	"os"

	"go.uber.org/zap"

	harness "github.com/Swind/go-layout-harness"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/observability/zaplog"
)

func main() {
	z := newZapLogger()
	defer func() { _ = z.Sync() }()

	logger := zaplog.New(z)
	cfg := harness.DefaultConfig()
	cfg.Logger = logger.Named("harness")

	if err := harness.Run(cfg); err != nil {
		z.Fatal("harness failed", zap.Error(err))
	}
	logger.Info("done", core.F("url", cfg.URL))
}

func newZapLogger() *zap.Logger {
	build := zap.NewDevelopment
	if os.Getenv("HARNESS_LOG_JSON") == "1" {
		build = zap.NewProduction
	}
	z, err := build()
	if err != nil {
		return zap.NewNop()
	}
	return z
}
