package cli

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
)

// Cat implements subcommands.Command for the "cat" command.
type Cat struct {
	address bool
}

// Name implements subcommands.Command.Name.
func (*Cat) Name() string {
	return "cat"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Cat) Synopsis() string {
	return "copy device files to standard output"
}

// Usage implements subcommands.Command.Usage.
func (*Cat) Usage() string {
	return "cat [-address] <path>...\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Cat) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.address, "address", false, "log the mapped address of each file, where the device has one")
}

// Execute implements subcommands.Command.Execute.
func (c *Cat) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := globals(args)
	sys, err := g.boot(ctx)
	if err != nil {
		return failf("Boot failed: %v", err)
	}
	defer sys.Close()
	m := sys.Manager

	buf := make([]byte, 4096)
	for _, path := range f.Args() {
		d, err := m.Open(ctx, path, os.O_RDONLY, 0)
		if err != nil {
			return failf("%s: %v", path, err)
		}
		if c.address {
			if addr, err := m.Address(ctx, d); err == nil {
				logger.Info("%s is mapped at %#x", path, addr)
			} else {
				logger.Debug("%s has no address: %v", path, err)
			}
		}
		for {
			n, err := m.Read(ctx, d, buf)
			if n > 0 {
				if _, werr := g.Out.Write(buf[:n]); werr != nil {
					m.Close(ctx, d)
					return failf("Write failed: %v", werr)
				}
			}
			if errors.Is(err, io.EOF) || (err == nil && n == 0) {
				break
			}
			if err != nil {
				m.Close(ctx, d)
				return failf("%s: %v", path, err)
			}
		}
		if err := m.Close(ctx, d); err != nil {
			return failf("%s: %v", path, err)
		}
	}
	return subcommands.ExitSuccess
}
