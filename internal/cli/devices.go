package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"devfs/internal/devman"
)

// Devices implements subcommands.Command for the "devices" command.
type Devices struct{}

// Name implements subcommands.Command.Name.
func (*Devices) Name() string {
	return "devices"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Devices) Synopsis() string {
	return "list the configured devices and what they support"
}

// Usage implements subcommands.Command.Usage.
func (*Devices) Usage() string {
	return "devices\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Devices) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Devices) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := globals(args)
	sys, err := g.boot(ctx)
	if err != nil {
		return failf("Boot failed: %v", err)
	}
	defer sys.Close()

	reg := sys.Manager.Registry()
	for i := 0; i < reg.Count(); i++ {
		inst, _ := reg.At(i)
		caps := devman.Capabilities(inst.Device)
		fmt.Fprintf(g.Out, "%2d %-12s %-9s %s\n", i, inst.Name, inst.Device.Kind(), strings.Join(caps, ","))
	}
	return subcommands.ExitSuccess
}
