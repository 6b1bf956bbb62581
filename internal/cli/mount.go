package cli

import (
	"context"
	"flag"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/subcommands"

	"devfs/internal/vfs"
)

// Mount implements subcommands.Command for the "mount" command.
type Mount struct{}

// Name implements subcommands.Command.Name.
func (*Mount) Name() string {
	return "mount"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mount) Synopsis() string {
	return "mount the configured devices on a host directory"
}

// Usage implements subcommands.Command.Usage.
func (*Mount) Usage() string {
	return "mount <mount point>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Mount) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute. It serves until SIGINT
// or SIGTERM, then unmounts.
func (*Mount) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	mountPoint := filepath.Clean(f.Arg(0))
	g := globals(args)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := g.boot(ctx)
	if err != nil {
		return failf("Boot failed: %v", err)
	}
	defer sys.Close()

	fsys := vfs.New(sys.Manager)
	if err := fsys.Mount(mountPoint); err != nil {
		return failf("Mount failed: %v", err)
	}
	logger.Info("Filesystem mounted and ready")

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := fsys.Unmount(mountPoint); err != nil {
		return failf("Unmount error: %v", err)
	}
	logger.Info("Clean shutdown complete")
	return subcommands.ExitSuccess
}
