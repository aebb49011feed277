package main

import (
	"context"
	"fmt"
	"os"

	"github.com/USA-RedDragon/configulator"

	"github.com/fleetgrid/telemetry-gateway/internal/cmd"
	"github.com/fleetgrid/telemetry-gateway/internal/config"
)

// version and commit are set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	c := configulator.New[config.Config]()
	ctx := c.ToContext(context.Background())

	rootCmd := cmd.NewCommand(version, commit)
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
