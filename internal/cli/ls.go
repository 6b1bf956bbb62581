package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"devfs/internal/devman"
	"devfs/internal/walk"
)

// List implements subcommands.Command for the "ls" command.
type List struct {
	recursive bool
}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "ls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list a directory, optionally filtered by a wildcard mask"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `ls [-r] <path>

The last component of path may be a mask using * and ?, as in /rom/*.cfg.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *List) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.recursive, "r", false, "descend into subdirectories")
}

// Execute implements subcommands.Command.Execute.
func (l *List) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := globals(args)
	sys, err := g.boot(ctx)
	if err != nil {
		return failf("Boot failed: %v", err)
	}
	defer sys.Close()

	failed := false
	err = walk.Walk(ctx, sys.Manager, f.Arg(0), l.recursive, func(dir string, e *devman.DirEntry, ev walk.Event, err error) error {
		switch ev {
		case walk.InsideReadDir:
			kind := "-"
			if e.IsDir {
				kind = "d"
			}
			fmt.Fprintf(g.Out, "%s %10d %s\n", kind, e.Size, walk.Join(dir, e.Name))
		case walk.OpenDirFailed, walk.ReadDirFailed:
			logger.Warn("%s: %v", dir, err)
			failed = true
		}
		return nil
	})
	if err != nil {
		return failf("Listing %s failed: %v", f.Arg(0), err)
	}
	if failed {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
