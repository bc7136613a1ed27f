package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/dmarquesp/wahub/internal/daemon"
	"github.com/dmarquesp/wahub/internal/paths"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default <data-dir>/config.toml)")
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides config)")
	listenFlag := flag.String("listen", "", "HTTP listen address (overrides config)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		dataDir := *dataDirFlag
		if dataDir == "" {
			dataDir = paths.DefaultDataDir()
		}
		configPath = paths.ConfigPath(dataDir)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: configPath,
			DataDir:    *dataDirFlag,
			ListenAddr: *listenFlag,
		}),
	)

	app.Run()
}
