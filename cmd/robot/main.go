package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"robotloop/internal/app"
	"robotloop/internal/lifecycle"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json, yaml or toml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(lifecycle.ExitFailure)
	}

	opts := append(a.LifecycleOptions(), lifecycle.WithExitHook(func(int) { _ = a.Close() }))
	code := lifecycle.StartRobot(ctx, a.Build, opts...)
	cancel()
	os.Exit(code)
}
