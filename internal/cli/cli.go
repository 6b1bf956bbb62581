// Package cli holds the devfs subcommands.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/google/subcommands"

	"devfs/internal/boot"
	"devfs/internal/config"
	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("cli")
)

// Globals is passed to every command as the first Execute argument.
type Globals struct {
	ConfigPath string

	// LogLevel, when set, replaces the configured log level.
	LogLevel string

	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// NewGlobals returns globals bound to the process's standard streams.
func NewGlobals(configPath string) *Globals {
	return &Globals{ConfigPath: configPath, In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

func globals(args []interface{}) *Globals {
	if len(args) > 0 {
		if g, ok := args[0].(*Globals); ok {
			return g
		}
	}
	return NewGlobals("")
}

// boot loads the configuration, or the defaults when there is none, and
// brings up its devices.
func (g *Globals) boot(ctx context.Context) (*boot.System, error) {
	cfg := config.Default()
	if g.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadOrDefault(g.ConfigPath); err != nil {
			return nil, err
		}
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	return boot.Boot(ctx, cfg, boot.Streams{In: g.In, Out: g.Out, Err: g.Err})
}

// ForEachCmd calls cb with every command and the group it belongs to.
func ForEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(Mount), "")
	cb(new(Devices), "")
	cb(new(List), "")
	cb(new(Cat), "")

	const toolGroup = "tools"
	cb(new(Serve), toolGroup)
	cb(new(MkROMFS), toolGroup)
	cb(new(Init), toolGroup)
}

// failf logs an error and returns the failure status.
func failf(format string, args ...interface{}) subcommands.ExitStatus {
	logger.Error(format, args...)
	return subcommands.ExitFailure
}
