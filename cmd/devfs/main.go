package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/google/subcommands"

	"devfs/internal/cli"
	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger()
)

func main() {
	cli.ForEachCmd(subcommands.Register)

	configPath := flag.String("config", "devfs.yaml", "configuration file; the console alone is used when it does not exist")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	logLevel := flag.String("log-level", "", "log level override: error, warn, info, debug or trace")
	flag.Parse()

	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	}
	if *logLevel != "" {
		level, ok := logging.ParseLevel(strings.ToUpper(*logLevel))
		if !ok {
			logger.Error("Unknown log level %q", *logLevel)
			os.Exit(int(subcommands.ExitUsageError))
		}
		logger.SetLevel(level)
	}

	g := cli.NewGlobals(*configPath)
	g.LogLevel = logger.Level().String()
	if !*verbose && *logLevel == "" {
		g.LogLevel = ""
	}

	logger.Debug("Config file: %s", *configPath)
	os.Exit(int(subcommands.Execute(context.Background(), g)))
}
