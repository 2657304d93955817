package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lapsed/lapsed/internal/app"
)

func main() {
	opts := app.Options{}
	flag.StringVar(&opts.DBPath, "db", "", "path to the SQLite database (overrides the environment default)")
	flag.StringVar(&opts.SettingsPath, "settings", "", "path to the JSON settings file (optional)")
	flag.StringVar(&opts.Environment, "env", "production", "database profile: development, test or production")
	flag.StringVar(&opts.LogFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.New(opts).Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "lapsed:", err)
		os.Exit(1)
	}
}
