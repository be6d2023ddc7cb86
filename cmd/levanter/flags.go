package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/Gugutse/levanter/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	cfg := LoadConfig()
	level := logLevel
	if cfg.LogLevel != "" && level == "info" {
		level = cfg.LogLevel
	}
	if debug {
		level = "debug"
	}
	format := logFormat
	if cfg.LogFormat != "" && format == "pretty" {
		format = cfg.LogFormat
	}
	if format == "json" {
		return logger.JSON(os.Stderr, logger.ParseLevel(level))
	}
	return logger.Pretty(os.Stderr, logger.ParseLevel(level))
}
