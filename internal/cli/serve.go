package cli

import (
	"context"
	"flag"
	"net"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"devfs/internal/remotefs"
)

// Serve implements subcommands.Command for the "serve" command, the host
// side of remotefs devices.
type Serve struct {
	network  string
	listen   string
	root     string
	maxFiles int
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "export a host directory to remotefs devices"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return "serve [-listen addr] [-max-files n] -root <dir>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.network, "network", "tcp", "network to listen on")
	f.StringVar(&s.listen, "listen", "localhost:9000", "address to listen on")
	f.StringVar(&s.root, "root", "", "directory to export")
	f.IntVar(&s.maxFiles, "max-files", 0, "open files per connection, 0 for the default")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || s.root == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	srv, err := remotefs.NewServer(s.root, s.maxFiles)
	if err != nil {
		return failf("Cannot serve %s: %v", s.root, err)
	}
	ln, err := net.Listen(s.network, s.listen)
	if err != nil {
		return failf("Listen failed: %v", err)
	}
	logger.Info("Serving %s on %s", s.root, ln.Addr())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx, ln); err != nil {
		return failf("Server stopped: %v", err)
	}
	return subcommands.ExitSuccess
}
