package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/klecknerlab/wavefit/cmd/wavefit/app"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: wavefit -c <config.yaml>\n\n"+
				"Captures waveforms from a networked oscilloscope, fits a sinusoid to\n"+
				"each one and logs the results to a sqlite database.\n\n")
		flag.PrintDefaults()
	}

	var configPath string
	flag.StringVar(&configPath, "c", "", "Path to the YAML configuration file (required)")
	flag.Parse()

	if configPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(1)
	}

	logLevel.Set(config.Settings.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = app.Run(ctx, config, logger); err != nil {
		logger.Error(err.Error())

		cancel()
		os.Exit(1)
	}
}
