package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "parleyd.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(cfg),
	)

	app.Run()
}
