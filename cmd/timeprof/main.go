package main

import (
	"fmt"
	"os"

	"github.com/fwerpers/timeprof/common/environment"
	"github.com/fwerpers/timeprof/common/version"
	"github.com/fwerpers/timeprof/internal/timeprof/app"
	"github.com/fwerpers/timeprof/internal/timeprof/config"
	"github.com/fwerpers/timeprof/internal/timeprof/observability"
)

func main() {
	fmt.Printf("TimeProf Activity Sampler\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfgPath := environment.StringOr("TIMEPROF_CONFIG", "./timeprof.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.Log.Level, cfg.Log.Format)

	timeprof, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize timeprof: %v\n", err)
		os.Exit(1)
	}
	defer timeprof.Stop()

	if err := timeprof.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running timeprof: %v\n", err)
		os.Exit(1)
	}
}
