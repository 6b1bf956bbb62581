package cli

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"

	"github.com/google/subcommands"

	"devfs/internal/config"
)

// Init implements subcommands.Command for the "init" command.
type Init struct {
	force bool
	host  string
}

// Name implements subcommands.Command.Name.
func (*Init) Name() string {
	return "init"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Init) Synopsis() string {
	return "write a starter configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Init) Usage() string {
	return "init [-force] [-host dir]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Init) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.force, "force", false, "replace an existing configuration; the old one is kept as a backup")
	f.StringVar(&c.host, "host", "", "also register this directory as the hostfs device /host")
}

// Execute implements subcommands.Command.Execute.
func (c *Init) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := globals(args)
	if g.ConfigPath == "" {
		return failf("No configuration path given")
	}
	if _, err := os.Stat(g.ConfigPath); err == nil && !c.force {
		return failf("%s exists, use -force to replace it", g.ConfigPath)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failf("Checking %s: %v", g.ConfigPath, err)
	}

	cfg := config.Default()
	if c.host != "" {
		cfg.Devices = append(cfg.Devices, config.Device{Name: "/host", Type: config.TypeHostFS, Root: c.host})
	}
	if err := config.Save(g.ConfigPath, cfg); err != nil {
		return failf("Saving %s: %v", g.ConfigPath, err)
	}
	logger.Info("Wrote %s", g.ConfigPath)
	return subcommands.ExitSuccess
}
